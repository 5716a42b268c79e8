package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropchest/dropchest/pkg/blobstore"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	bs := NewBlobstore()

	body := "hello\n"
	require.NoError(t, bs.Put(ctx, "s/f", strings.NewReader(body), int64(len(body)), "text/plain"))

	r, size, err := bs.Get(ctx, "s/f")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(body)), size)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	require.NoError(t, bs.Delete(ctx, "s/f"))
	_, _, err = bs.Get(ctx, "s/f")
	assert.ErrorAs(t, err, new(errtypes.NotFound))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	bs := NewBlobstore()

	for _, key := range []string{"a/1", "a/2", "b/1"} {
		require.NoError(t, bs.Put(ctx, key, strings.NewReader("x"), 1, ""))
	}

	keys, err := bs.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestMultipartAssembly(t *testing.T) {
	ctx := context.Background()
	bs := NewBlobstore()

	uploadID, err := bs.InitiateMultipart(ctx, "s/big")
	require.NoError(t, err)

	etag2, err := bs.PutPart(ctx, "s/big", uploadID, 2, strings.NewReader("world"), 5)
	require.NoError(t, err)
	etag1, err := bs.PutPart(ctx, "s/big", uploadID, 1, strings.NewReader("hello "), 6)
	require.NoError(t, err)

	err = bs.CompleteMultipart(ctx, "s/big", uploadID, []blobstore.Part{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	require.NoError(t, err)

	r, size, err := bs.Get(ctx, "s/big")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, int64(11), size)

	// The staged upload is gone after completion.
	uploads, err := bs.ListMultipartUploads(ctx, "s/")
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestMultipartPartReplacement(t *testing.T) {
	ctx := context.Background()
	bs := NewBlobstore()

	uploadID, err := bs.InitiateMultipart(ctx, "s/big")
	require.NoError(t, err)

	_, err = bs.PutPart(ctx, "s/big", uploadID, 1, strings.NewReader("old"), 3)
	require.NoError(t, err)
	etag, err := bs.PutPart(ctx, "s/big", uploadID, 1, strings.NewReader("new"), 3)
	require.NoError(t, err)

	require.NoError(t, bs.CompleteMultipart(ctx, "s/big", uploadID, []blobstore.Part{{PartNumber: 1, ETag: etag}}))

	r, _, err := bs.Get(ctx, "s/big")
	require.NoError(t, err)
	defer r.Close()
	got, _ := io.ReadAll(r)
	assert.Equal(t, "new", string(got))
}

func TestMultipartAbort(t *testing.T) {
	ctx := context.Background()
	bs := NewBlobstore()

	uploadID, err := bs.InitiateMultipart(ctx, "s/big")
	require.NoError(t, err)
	_, err = bs.PutPart(ctx, "s/big", uploadID, 1, strings.NewReader("x"), 1)
	require.NoError(t, err)

	uploads, err := bs.ListMultipartUploads(ctx, "s/")
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, uploadID, uploads[0].UploadID)

	require.NoError(t, bs.AbortMultipart(ctx, "s/big", uploadID))

	uploads, err = bs.ListMultipartUploads(ctx, "s/")
	require.NoError(t, err)
	assert.Empty(t, uploads)

	// Nothing was assembled.
	_, _, err = bs.Get(ctx, "s/big")
	assert.ErrorAs(t, err, new(errtypes.NotFound))
}
