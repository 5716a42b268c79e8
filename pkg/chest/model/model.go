// Package model holds the chest domain types as a leaf package so the
// catalog can import them without depending on the engine in pkg/chest.
package model

import "time"

// Session is a chest. RetrievalCode is empty and ExpiresAt nil until the
// chest is sealed; a sealed chest with nil ExpiresAt is permanent.
type Session struct {
	ID             string
	RetrievalCode  string
	UploadComplete bool
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// File is durable evidence of a successfully stored blob. The metadata is
// whatever the uploader reported; it is not re-validated against the blob.
type File struct {
	ID               string
	SessionID        string
	OriginalFilename string
	MimeType         string
	FileSize         int64
	FileExtension    string
	IsText           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
