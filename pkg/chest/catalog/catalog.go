// Package catalog defines the typed gateway over the metadata store.
// Implementations live under catalog/manager; all of them share the same
// soft-delete semantics: reads filter deleted rows, mutations stamp
// updated_at, and nothing is ever hard-deleted by this layer.
package catalog

import (
	"context"
	"time"

	"github.com/dropchest/dropchest/pkg/chest/model"
)

// Catalog is the metadata store gateway.
type Catalog interface {
	// InsertSession creates a new open session row.
	InsertSession(ctx context.Context, id string, now time.Time) error

	// GetOpenSession returns the session if it exists, is not deleted and is
	// not yet sealed; NotFound otherwise.
	GetOpenSession(ctx context.Context, id string) (*model.Session, error)

	// GetSealedByCode returns the sealed, non-deleted, non-expired session
	// carrying the given retrieval code. The expiry filter is NULL-safe:
	// permanent sessions always pass.
	GetSealedByCode(ctx context.Context, code string, now time.Time) (*model.Session, error)

	// MarkSealed conditionally seals the session: it only succeeds while the
	// session exists, is not deleted and is not yet sealed. Zero affected
	// rows surface as NotFound so a losing concurrent sealer can tell the
	// chest is gone or already sealed. A retrieval-code uniqueness violation
	// surfaces as AlreadyExists so the caller can retry with a fresh code.
	MarkSealed(ctx context.Context, id, code string, expiresAt *time.Time, now time.Time) error

	// InsertFiles inserts the batch in one write.
	InsertFiles(ctx context.Context, files []*model.File) error

	// ListSessionFiles lists the session's live files, created_at ascending.
	ListSessionFiles(ctx context.Context, sessionID string) ([]*model.File, error)

	// CountSessionFiles counts the session's live files.
	CountSessionFiles(ctx context.Context, sessionID string) (int, error)

	// GetDownloadableFile returns the file joined to its session, applying
	// the sealed, non-deleted and NULL-safe expiry filters of the session.
	GetDownloadableFile(ctx context.Context, fileID string, now time.Time) (*model.File, error)

	// SoftDeleteSessionFiles tombstones all files of the session.
	SoftDeleteSessionFiles(ctx context.Context, sessionID string, now time.Time) error

	// SoftDeleteSession tombstones the session itself.
	SoftDeleteSession(ctx context.Context, sessionID string, now time.Time) error

	// SelectExpiredSessions returns sealed sessions with expires_at <= now.
	// Permanent sessions are never returned.
	SelectExpiredSessions(ctx context.Context, now time.Time) ([]*model.Session, error)

	// SelectAbandonedSessions returns open sessions created before cutoff.
	SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*model.Session, error)
}
