package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmem "github.com/dropchest/dropchest/pkg/blobstore/memory"
	"github.com/dropchest/dropchest/pkg/chest"
	catmem "github.com/dropchest/dropchest/pkg/chest/catalog/memory"
	"github.com/dropchest/dropchest/pkg/errtypes"
	jwtmgr "github.com/dropchest/dropchest/pkg/token/manager/jwt"
)

func TestSweep(t *testing.T) {
	ctx := context.Background()
	cat, err := catmem.New(nil)
	require.NoError(t, err)
	bs := blobmem.NewBlobstore()
	tm, err := jwtmgr.NewWithSecret("test-secret")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine := chest.NewEngine(cat, bs, tm, chest.WithClock(clock))
	r := New(cat, bs, time.Hour, WithClock(clock))

	// An expired sealed chest with one file.
	expired, err := engine.CreateChest(ctx, "")
	require.NoError(t, err)
	uploaded, err := engine.UploadFiles(ctx, expired.SessionID, feedOne("old.txt", "stale"))
	require.NoError(t, err)
	sealed, err := engine.Seal(ctx, expired.SessionID, []string{uploaded[0].FileID}, 1)
	require.NoError(t, err)

	// An abandoned open chest with a stored blob and a pending multipart
	// upload.
	abandoned, err := engine.CreateChest(ctx, "")
	require.NoError(t, err)
	_, err = engine.UploadFiles(ctx, abandoned.SessionID, feedOne("half.txt", "partial"))
	require.NoError(t, err)
	_, err = engine.CreateMultipart(ctx, abandoned.SessionID, "big.bin", "application/octet-stream", 100)
	require.NoError(t, err)

	// A live sealed chest that must survive every sweep.
	live, err := engine.CreateChest(ctx, "")
	require.NoError(t, err)
	liveFiles, err := engine.UploadFiles(ctx, live.SessionID, feedOne("keep.txt", "fresh"))
	require.NoError(t, err)
	liveSealed, err := engine.Seal(ctx, live.SessionID, []string{liveFiles[0].FileID}, 7)
	require.NoError(t, err)

	// Nothing is eligible yet.
	sum := r.Sweep(ctx)
	assert.Equal(t, Summary{}, sum)

	now = now.Add(49 * time.Hour)

	sum = r.Sweep(ctx)
	assert.Equal(t, 1, sum.Expired)
	assert.Equal(t, 1, sum.Abandoned)
	assert.Equal(t, 2, sum.DeletedFiles)
	assert.Equal(t, 2, sum.DeletedBlobs)
	assert.Empty(t, sum.Errors)

	// The expired code no longer resolves and its blob is gone.
	_, err = engine.RetrieveByCode(ctx, sealed.RetrievalCode)
	assert.ErrorAs(t, err, new(errtypes.NotFound))
	keys, err := bs.List(ctx, chest.BlobPrefix(expired.SessionID))
	require.NoError(t, err)
	assert.Empty(t, keys)

	// The abandoned chest's pending multipart upload was aborted.
	uploads, err := bs.ListMultipartUploads(ctx, chest.BlobPrefix(abandoned.SessionID))
	require.NoError(t, err)
	assert.Empty(t, uploads)

	// The live chest is untouched.
	res, err := engine.RetrieveByCode(ctx, liveSealed.RetrievalCode)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)

	// A second sweep finds nothing left to do.
	sum = r.Sweep(ctx)
	assert.Equal(t, Summary{}, sum)
}

// flakyBlobstore fails deletes for one key so a sweep sees a partial blob
// cleanup.
type flakyBlobstore struct {
	*blobmem.Blobstore
	failKey string
}

func (f *flakyBlobstore) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errtypes.InternalError("blob delete failed")
	}
	return f.Blobstore.Delete(ctx, key)
}

func TestSweepContinuesPastDeleteFailures(t *testing.T) {
	ctx := context.Background()
	cat, err := catmem.New(nil)
	require.NoError(t, err)
	mem := blobmem.NewBlobstore()
	bs := &flakyBlobstore{Blobstore: mem}
	tm, err := jwtmgr.NewWithSecret("test-secret")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine := chest.NewEngine(cat, bs, tm, chest.WithClock(clock))
	r := New(cat, bs, time.Hour, WithClock(clock))

	created, err := engine.CreateChest(ctx, "")
	require.NoError(t, err)
	uploaded, err := engine.UploadFiles(ctx, created.SessionID, feedOne("one.txt", "first"))
	require.NoError(t, err)
	more, err := engine.UploadFiles(ctx, created.SessionID, feedOne("two.txt", "second"))
	require.NoError(t, err)
	_, err = engine.Seal(ctx, created.SessionID, []string{uploaded[0].FileID, more[0].FileID}, 1)
	require.NoError(t, err)

	bs.failKey = chest.BlobKey(created.SessionID, uploaded[0].FileID)
	now = now.Add(25 * time.Hour)

	// The healthy blob is still deleted, but the chest is not collected.
	sum := r.Sweep(ctx)
	assert.Zero(t, sum.Expired)
	assert.Zero(t, sum.DeletedFiles)
	assert.Equal(t, 1, sum.DeletedBlobs)
	assert.NotEmpty(t, sum.Errors)
	files, err := cat.ListSessionFiles(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	// Once the store recovers, the next sweep finishes the job.
	bs.failKey = ""
	sum = r.Sweep(ctx)
	assert.Equal(t, 1, sum.Expired)
	assert.Equal(t, 2, sum.DeletedFiles)
	assert.Equal(t, 1, sum.DeletedBlobs)
	assert.Empty(t, sum.Errors)
}

func TestRunStopsOnCancel(t *testing.T) {
	cat, err := catmem.New(nil)
	require.NoError(t, err)
	bs := blobmem.NewBlobstore()
	r := New(cat, bs, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}

func feedOne(name, content string) func() (*chest.UploadItem, error) {
	items := []*chest.UploadItem{fileItemFor(name, content)}
	i := 0
	return func() (*chest.UploadItem, error) {
		if i >= len(items) {
			return nil, nil
		}
		it := items[i]
		i++
		return it, nil
	}
}

func fileItemFor(name, content string) *chest.UploadItem {
	body, size := chest.TextItemBody(content)
	return &chest.UploadItem{Filename: name, MimeType: "text/plain", Size: size, Body: body}
}
