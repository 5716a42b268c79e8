// Command dropchestd runs the chest sharing service: the HTTP API and the
// background reaper in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dropchest/dropchest/internal/http/services/chestapi"
	blobregistry "github.com/dropchest/dropchest/pkg/blobstore/registry"
	"github.com/dropchest/dropchest/pkg/chest"
	catregistry "github.com/dropchest/dropchest/pkg/chest/catalog/registry"
	"github.com/dropchest/dropchest/pkg/reaper"
	jwtmgr "github.com/dropchest/dropchest/pkg/token/manager/jwt"
	"github.com/dropchest/dropchest/pkg/totp"

	// Load the storage drivers.
	_ "github.com/dropchest/dropchest/pkg/blobstore/loader"
	_ "github.com/dropchest/dropchest/pkg/chest/catalog/loader"
)

func main() {
	confFile := flag.String("c", "dropchestd.toml", "configuration file")
	flag.Parse()

	c, err := loadConfig(*confFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dropchestd: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(c.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dropchestd: %v\n", err)
		os.Exit(1)
	}

	if err := run(c, log); err != nil {
		log.Fatal().Err(err).Msg("dropchestd failed")
	}
}

func newLogger(level string) (*zerolog.Logger, error) {
	if level == "" {
		level = zerolog.LevelInfoValue
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing log level")
	}
	log := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	return &log, nil
}

func run(c *config, log *zerolog.Logger) error {
	newCatalog, ok := catregistry.NewFuncs[c.Catalog.Driver]
	if !ok {
		return errors.Errorf("unknown catalog driver %q", c.Catalog.Driver)
	}
	cat, err := newCatalog(c.Catalog.Drivers[c.Catalog.Driver])
	if err != nil {
		return errors.Wrap(err, "error creating catalog")
	}

	newBlobstore, ok := blobregistry.NewFuncs[c.Blobstore.Driver]
	if !ok {
		return errors.Errorf("unknown blobstore driver %q", c.Blobstore.Driver)
	}
	bs, err := newBlobstore(c.Blobstore.Drivers[c.Blobstore.Driver])
	if err != nil {
		return errors.Wrap(err, "error creating blobstore")
	}

	tokens, err := jwtmgr.NewWithSecret(c.Core.JWTSecret)
	if err != nil {
		return errors.Wrap(err, "error creating token manager")
	}

	var opts []chest.Option
	if c.Core.RequireTOTP {
		secrets, err := totp.ParseSecrets(c.Core.TOTPSecrets)
		if err != nil {
			return errors.Wrap(err, "error parsing totp secrets")
		}
		opts = append(opts, chest.WithTOTPGate(totp.NewGate(secrets)))
	}
	engine := chest.NewEngine(cat, bs, tokens, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	rpr := reaper.New(cat, bs, c.Core.ReapInterval)
	go rpr.Run(ctx)

	srv := &http.Server{
		Addr:              c.HTTP.Address,
		Handler:           chestapi.New(engine, tokens, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("address", c.HTTP.Address).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "error shutting down http server")
	}
	return nil
}
