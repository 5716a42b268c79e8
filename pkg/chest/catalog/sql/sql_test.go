package sql_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropchest/dropchest/pkg/chest"
	"github.com/dropchest/dropchest/pkg/chest/catalog"
	sqlmgr "github.com/dropchest/dropchest/pkg/chest/catalog/sql"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

const testSchema = `
CREATE TABLE sessions (
  id TEXT PRIMARY KEY,
  retrieval_code TEXT UNIQUE,
  upload_complete INTEGER NOT NULL DEFAULT 0,
  expires_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  is_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE files (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  original_filename TEXT NOT NULL,
  mime_type TEXT NOT NULL,
  file_size INTEGER NOT NULL,
  file_extension TEXT NOT NULL,
  is_text INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  is_deleted INTEGER NOT NULL DEFAULT 0
);
`

func newTestCatalog(t *testing.T) catalog.Catalog {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// The sqlite in-memory database vanishes when its last connection
	// closes, so pin the pool to one.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	c, err := sqlmgr.New(db)
	require.NoError(t, err)
	return c
}

func insertFile(t *testing.T, c catalog.Catalog, sessionID, id string, now time.Time) {
	t.Helper()
	err := c.InsertFiles(context.Background(), []*chest.File{{
		ID:               id,
		SessionID:        sessionID,
		OriginalFilename: id + ".bin",
		MimeType:         "application/octet-stream",
		FileSize:         3,
		FileExtension:    "bin",
		CreatedAt:        now,
		UpdatedAt:        now,
	}})
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, c.InsertSession(ctx, "s1", now))

	s, err := c.GetOpenSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.False(t, s.UploadComplete)
	assert.Empty(t, s.RetrievalCode)
	assert.Nil(t, s.ExpiresAt)

	exp := now.Add(7 * 24 * time.Hour)
	require.NoError(t, c.MarkSealed(ctx, "s1", "AAAAAA", &exp, now))

	// Sealed sessions are no longer open.
	_, err = c.GetOpenSession(ctx, "s1")
	assert.ErrorAs(t, err, new(errtypes.NotFound))

	s, err = c.GetSealedByCode(ctx, "AAAAAA", now)
	require.NoError(t, err)
	assert.True(t, s.UploadComplete)
	assert.Equal(t, "AAAAAA", s.RetrievalCode)
	require.NotNil(t, s.ExpiresAt)
	assert.WithinDuration(t, exp, *s.ExpiresAt, time.Second)
}

func TestMarkSealedIsConditional(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	// Unknown session.
	err := c.MarkSealed(ctx, "missing", "AAAAAA", nil, now)
	assert.ErrorAs(t, err, new(errtypes.NotFound))

	require.NoError(t, c.InsertSession(ctx, "s1", now))
	require.NoError(t, c.MarkSealed(ctx, "s1", "AAAAAA", nil, now))

	// Sealing twice is a no-op error, not a state change.
	err = c.MarkSealed(ctx, "s1", "BBBBBB", nil, now)
	assert.ErrorAs(t, err, new(errtypes.NotFound))
	s, err := c.GetSealedByCode(ctx, "AAAAAA", now)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", s.RetrievalCode)
}

func TestMarkSealedCodeCollision(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	require.NoError(t, c.InsertSession(ctx, "s1", now))
	require.NoError(t, c.InsertSession(ctx, "s2", now))
	require.NoError(t, c.MarkSealed(ctx, "s1", "AAAAAA", nil, now))

	err := c.MarkSealed(ctx, "s2", "AAAAAA", nil, now)
	assert.ErrorAs(t, err, new(errtypes.AlreadyExists))

	// The loser is still open and seals fine with a fresh code.
	require.NoError(t, c.MarkSealed(ctx, "s2", "BBBBBB", nil, now))
}

func TestGetSealedByCodeExpiryFilter(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	require.NoError(t, c.InsertSession(ctx, "expired", now))
	past := now.Add(-time.Hour)
	require.NoError(t, c.MarkSealed(ctx, "expired", "EXPIRD", &past, now))

	require.NoError(t, c.InsertSession(ctx, "forever", now))
	require.NoError(t, c.MarkSealed(ctx, "forever", "FOREVR", nil, now))

	_, err := c.GetSealedByCode(ctx, "EXPIRD", now)
	assert.ErrorAs(t, err, new(errtypes.NotFound))

	// The NULL expiry always passes the filter.
	s, err := c.GetSealedByCode(ctx, "FOREVR", now.Add(1000*24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, s.ExpiresAt)
}

func TestFileListingAndCount(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	require.NoError(t, c.InsertSession(ctx, "s1", now))
	insertFile(t, c, "s1", "f1", now)
	insertFile(t, c, "s1", "f2", now.Add(time.Second))
	insertFile(t, c, "s1", "f3", now.Add(2*time.Second))
	insertFile(t, c, "other", "f4", now)

	files, err := c.ListSessionFiles(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "f1", files[0].ID)
	assert.Equal(t, "f2", files[1].ID)
	assert.Equal(t, "f3", files[2].ID)

	count, err := c.CountSessionFiles(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = c.CountSessionFiles(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetDownloadableFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	require.NoError(t, c.InsertSession(ctx, "s1", now))
	insertFile(t, c, "s1", "f1", now)

	// Not downloadable while the session is open.
	_, err := c.GetDownloadableFile(ctx, "f1", now)
	assert.ErrorAs(t, err, new(errtypes.NotFound))

	exp := now.Add(24 * time.Hour)
	require.NoError(t, c.MarkSealed(ctx, "s1", "AAAAAA", &exp, now))

	f, err := c.GetDownloadableFile(ctx, "f1", now)
	require.NoError(t, err)
	assert.Equal(t, "f1.bin", f.OriginalFilename)

	// And gone again once the session expires.
	_, err = c.GetDownloadableFile(ctx, "f1", now.Add(25*time.Hour))
	assert.ErrorAs(t, err, new(errtypes.NotFound))
}

func TestSoftDeleteCascade(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	require.NoError(t, c.InsertSession(ctx, "s1", now))
	insertFile(t, c, "s1", "f1", now)
	insertFile(t, c, "s1", "f2", now)
	require.NoError(t, c.MarkSealed(ctx, "s1", "AAAAAA", nil, now))

	require.NoError(t, c.SoftDeleteSessionFiles(ctx, "s1", now))
	require.NoError(t, c.SoftDeleteSession(ctx, "s1", now))

	files, err := c.ListSessionFiles(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = c.GetSealedByCode(ctx, "AAAAAA", now)
	assert.ErrorAs(t, err, new(errtypes.NotFound))

	_, err = c.GetDownloadableFile(ctx, "f1", now)
	assert.ErrorAs(t, err, new(errtypes.NotFound))
}

func TestReaperSelects(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	now := time.Now().UTC()

	// Sealed and expired.
	require.NoError(t, c.InsertSession(ctx, "expired", now.Add(-72*time.Hour)))
	past := now.Add(-time.Hour)
	require.NoError(t, c.MarkSealed(ctx, "expired", "EXPIRD", &past, now))

	// Sealed and permanent.
	require.NoError(t, c.InsertSession(ctx, "forever", now.Add(-72*time.Hour)))
	require.NoError(t, c.MarkSealed(ctx, "forever", "FOREVR", nil, now))

	// Open and stale.
	require.NoError(t, c.InsertSession(ctx, "stale", now.Add(-49*time.Hour)))

	// Open and fresh.
	require.NoError(t, c.InsertSession(ctx, "fresh", now))

	expired, err := c.SelectExpiredSessions(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].ID)

	abandoned, err := c.SelectAbandonedSessions(ctx, now.Add(-chest.AbandonedAge))
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "stale", abandoned[0].ID)

	// Swept sessions drop out of the selects once tombstoned.
	require.NoError(t, c.SoftDeleteSession(ctx, "expired", now))
	require.NoError(t, c.SoftDeleteSession(ctx, "stale", now))
	expired, err = c.SelectExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)
	abandoned, err = c.SelectAbandonedSessions(ctx, now.Add(-chest.AbandonedAge))
	require.NoError(t, err)
	assert.Empty(t, abandoned)
}
