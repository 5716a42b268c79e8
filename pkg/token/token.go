// Package token defines the three bearer-credential flavors the service
// mints: upload tokens scope a client to an open chest, chest tokens grant
// download access to a sealed chest, and multipart tokens carry the whole
// in-flight state of a resumable upload. The multipart token deliberately is
// the upload session: no server-side record exists for it.
package token

import (
	"context"
	"time"
)

// Type discriminates the token flavors. Verifiers reject a token whose type
// claim does not match the expected flavor.
type Type string

const (
	// TypeUpload authorizes uploading into and sealing an open chest.
	TypeUpload Type = "upload"
	// TypeChest authorizes listing and downloading a sealed chest.
	TypeChest Type = "chest"
	// TypeMultipart authorizes part uploads for one resumable file.
	TypeMultipart Type = "multipart"
)

const (
	// UploadTTL is the lifetime of an upload token.
	UploadTTL = 24 * time.Hour
	// MultipartTTL is the lifetime of a multipart token. It equals the
	// abandoned-chest horizon so no live uploader can race the reaper.
	MultipartTTL = 48 * time.Hour
	// ChestMaxTTL bounds chest tokens for permanent chests.
	ChestMaxTTL = 365 * 24 * time.Hour
)

// UploadClaims are the verified claims of an upload token.
type UploadClaims struct {
	SessionID string
}

// ChestClaims are the verified claims of a chest token.
type ChestClaims struct {
	SessionID string
}

// MultipartClaims are the verified claims of a multipart token. UploadID is
// the opaque identifier the blob store returned for the chunked upload.
type MultipartClaims struct {
	SessionID string
	FileID    string
	UploadID  string
	Filename  string
	MimeType  string
	FileSize  int64
}

// Manager mints and verifies the three token flavors.
type Manager interface {
	MintUpload(ctx context.Context, sessionID string) (string, error)
	MintChest(ctx context.Context, sessionID string, expiresAt *time.Time) (string, error)
	MintMultipart(ctx context.Context, c *MultipartClaims) (string, error)

	VerifyUpload(ctx context.Context, tkn string) (*UploadClaims, error)
	VerifyChest(ctx context.Context, tkn string) (*ChestClaims, error)
	VerifyMultipart(ctx context.Context, tkn string) (*MultipartClaims, error)
}
