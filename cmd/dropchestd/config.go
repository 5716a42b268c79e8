package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

type config struct {
	Log       logConfig    `mapstructure:"log"`
	HTTP      httpConfig   `mapstructure:"http"`
	Core      coreConfig   `mapstructure:"core"`
	Catalog   driverConfig `mapstructure:"catalog"`
	Blobstore driverConfig `mapstructure:"blobstore"`
}

type logConfig struct {
	Level string `mapstructure:"level"`
}

type httpConfig struct {
	Address string `mapstructure:"address"`
}

type coreConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	RequireTOTP  bool          `mapstructure:"require_totp"`
	TOTPSecrets  string        `mapstructure:"totp_secrets"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// driverConfig selects one driver by name and carries the per-driver config
// maps handed to the registry constructors untouched.
type driverConfig struct {
	Driver  string                            `mapstructure:"driver"`
	Drivers map[string]map[string]interface{} `mapstructure:"drivers"`
}

func (c *config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "memory"
	}
	if c.Blobstore.Driver == "" {
		c.Blobstore.Driver = "memory"
	}
}

// applyEnv lets the deployment override the secrets without touching the
// config file.
func (c *config) applyEnv() error {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Core.JWTSecret = v
	}
	if v := os.Getenv("REQUIRE_TOTP"); v != "" {
		switch v {
		case "true":
			c.Core.RequireTOTP = true
		case "false":
			c.Core.RequireTOTP = false
		default:
			return errors.Errorf("REQUIRE_TOTP must be \"true\" or \"false\", got %q", v)
		}
	}
	if v := os.Getenv("TOTP_SECRETS"); v != "" {
		c.Core.TOTPSecrets = v
	}
	return nil
}

func loadConfig(path string) (*config, error) {
	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.Wrapf(err, "error reading config file %s", path)
	}

	c := &config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     c,
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "error decoding config")
	}

	c.applyDefaults()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if c.Core.JWTSecret == "" {
		return nil, errors.New("jwt secret is not configured; set core.jwt_secret or JWT_SECRET")
	}
	if c.Core.RequireTOTP && c.Core.TOTPSecrets == "" {
		return nil, errors.New("require_totp is enabled but no totp secrets are configured")
	}
	return c, nil
}
