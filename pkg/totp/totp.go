// Package totp implements the RFC 6238 admission check gating chest
// creation. It is a pluggable front door, not an auth system: once a chest
// exists its bearer tokens are the only credential.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// Step is the RFC 6238 time step.
	Step = 30 * time.Second
	// Digits is the number of code digits.
	Digits = 6
	// Skew is the tolerated clock drift in steps on either side.
	Skew = 1
)

// Secret is one named base32 TOTP secret. The name is an opaque label used
// only for configuration; any configured secret admits.
type Secret struct {
	Name string
	Key  []byte
}

// Gate validates TOTP codes against a configured set of secrets.
type Gate struct {
	secrets []Secret
	now     func() time.Time
}

// ParseSecrets parses the "name1:SECRET1,name2:SECRET2" configuration format.
func ParseSecrets(s string) ([]Secret, error) {
	var secrets []Secret
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, b32, ok := strings.Cut(entry, ":")
		if !ok || name == "" || b32 == "" {
			return nil, errors.Errorf("totp: malformed secret entry %q", entry)
		}
		key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(b32, "=")))
		if err != nil {
			return nil, errors.Wrapf(err, "totp: secret %q is not valid base32", name)
		}
		secrets = append(secrets, Secret{Name: name, Key: key})
	}
	if len(secrets) == 0 {
		return nil, errors.New("totp: no secrets configured")
	}
	return secrets, nil
}

// NewGate returns a gate validating against the given secrets.
func NewGate(secrets []Secret) *Gate {
	return &Gate{secrets: secrets, now: time.Now}
}

// Verify reports whether code is a currently valid TOTP for any configured
// secret, tolerating Skew steps of drift on either side.
func (g *Gate) Verify(code string) bool {
	if len(code) != Digits {
		return false
	}
	counter := uint64(g.now().Unix() / int64(Step/time.Second))
	for _, s := range g.secrets {
		for d := -int64(Skew); d <= int64(Skew); d++ {
			want := hotp(s.Key, counter+uint64(d))
			if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
				return true
			}
		}
	}
	return false
}

// hotp computes the RFC 4226 HMAC-SHA-1 truncated code for one counter value.
func hotp(key []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	v := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", v%1000000)
}
