// Package jwt implements the token manager with HMAC-SHA-256 signed JWTs.
// The signing key is process-wide configuration, rotated by redeployment;
// there is no key id and no asymmetric variant.
package jwt

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/dropchest/dropchest/pkg/errtypes"
	"github.com/dropchest/dropchest/pkg/token"
)

type config struct {
	Secret string `mapstructure:"secret"`
}

type manager struct {
	secret []byte
	now    func() time.Time
}

// claims is the single wire shape for all three token flavors; the Type
// claim is the discriminant and the optional fields are only set for
// multipart tokens.
type claims struct {
	jwt.RegisteredClaims
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	FileID    string `json:"fileId,omitempty"`
	UploadID  string `json:"uploadId,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
}

// New returns a token manager from a config map with a "secret" key.
func New(m map[string]interface{}) (token.Manager, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "jwt: error decoding config")
	}
	return NewWithSecret(c.Secret)
}

// NewWithSecret returns a token manager signing with the given secret.
func NewWithSecret(secret string) (token.Manager, error) {
	if secret == "" {
		return nil, errors.New("jwt: signing secret must not be empty")
	}
	return &manager{secret: []byte(secret), now: time.Now}, nil
}

func (m *manager) mint(typ token.Type, c claims, ttl time.Duration) (string, error) {
	now := m.now()
	c.Type = string(typ)
	c.IssuedAt = jwt.NewNumericDate(now)
	if c.ExpiresAt == nil {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	tkn, err := t.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "jwt: error signing token")
	}
	return tkn, nil
}

func (m *manager) MintUpload(ctx context.Context, sessionID string) (string, error) {
	return m.mint(token.TypeUpload, claims{SessionID: sessionID}, token.UploadTTL)
}

func (m *manager) MintChest(ctx context.Context, sessionID string, expiresAt *time.Time) (string, error) {
	c := claims{SessionID: sessionID}
	if expiresAt != nil {
		c.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	return m.mint(token.TypeChest, c, token.ChestMaxTTL)
}

func (m *manager) MintMultipart(ctx context.Context, mc *token.MultipartClaims) (string, error) {
	c := claims{
		SessionID: mc.SessionID,
		FileID:    mc.FileID,
		UploadID:  mc.UploadID,
		Filename:  mc.Filename,
		MimeType:  mc.MimeType,
		FileSize:  mc.FileSize,
	}
	return m.mint(token.TypeMultipart, c, token.MultipartTTL)
}

// verify parses and validates tkn and checks the type discriminant. The
// parser is pinned to HS256 so algorithm confusion is not possible; the MAC
// comparison inside the library is constant time.
func (m *manager) verify(tkn string, typ token.Type) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(tkn, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errtypes.InvalidCredentials("token expired")
		}
		return nil, errtypes.InvalidCredentials("token invalid")
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, errtypes.InvalidCredentials("token invalid")
	}
	if c.Type != string(typ) {
		return nil, errtypes.InvalidCredentials("wrong token type")
	}
	if c.SessionID == "" {
		return nil, errtypes.InvalidCredentials("token missing session claim")
	}
	return c, nil
}

func (m *manager) VerifyUpload(ctx context.Context, tkn string) (*token.UploadClaims, error) {
	c, err := m.verify(tkn, token.TypeUpload)
	if err != nil {
		return nil, err
	}
	return &token.UploadClaims{SessionID: c.SessionID}, nil
}

func (m *manager) VerifyChest(ctx context.Context, tkn string) (*token.ChestClaims, error) {
	c, err := m.verify(tkn, token.TypeChest)
	if err != nil {
		return nil, err
	}
	return &token.ChestClaims{SessionID: c.SessionID}, nil
}

func (m *manager) VerifyMultipart(ctx context.Context, tkn string) (*token.MultipartClaims, error) {
	c, err := m.verify(tkn, token.TypeMultipart)
	if err != nil {
		return nil, err
	}
	if c.FileID == "" || c.UploadID == "" {
		return nil, errtypes.InvalidCredentials("token missing multipart claims")
	}
	return &token.MultipartClaims{
		SessionID: c.SessionID,
		FileID:    c.FileID,
		UploadID:  c.UploadID,
		Filename:  c.Filename,
		MimeType:  c.MimeType,
		FileSize:  c.FileSize,
	}, nil
}
