// Package blobstore defines the object store gateway. Blobs live under
// {sessionId}/{fileId} keys; the multipart surface is the resumable path for
// files larger than one request can reasonably carry.
package blobstore

import (
	"context"
	"io"
)

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	PartNumber int
	ETag       string
}

// MultipartInfo describes one in-flight multipart upload, enough for the
// reaper to abort it.
type MultipartInfo struct {
	Key      string
	UploadID string
}

// Blobstore is the object store gateway. Get returns NotFound for absent
// keys; a Put that returns nil is durable.
type Blobstore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)

	InitiateMultipart(ctx context.Context, key string) (string, error)
	PutPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error)
	// CompleteMultipart assembles the object in the supplied part order.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartInfo, error)
}
