// Package memory implements the blobstore in process memory, multipart
// included. It backs the engine tests and the dev mode of the server.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dropchest/dropchest/pkg/blobstore"
	"github.com/dropchest/dropchest/pkg/blobstore/registry"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

func init() {
	registry.Register("memory", New)
}

type object struct {
	data        []byte
	contentType string
}

type multipart struct {
	key   string
	parts map[int]part
}

type part struct {
	etag string
	data []byte
}

// Blobstore keeps blobs and staged multipart parts in maps.
type Blobstore struct {
	mu        sync.Mutex
	objects   map[string]object
	multipart map[string]*multipart // keyed by uploadID
}

// New returns an empty in-memory blobstore.
func New(_ map[string]interface{}) (blobstore.Blobstore, error) {
	return NewBlobstore(), nil
}

// NewBlobstore returns an empty in-memory blobstore.
func NewBlobstore() *Blobstore {
	return &Blobstore{
		objects:   map[string]object{},
		multipart: map[string]*multipart{},
	}
}

func (bs *Blobstore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "memory: error reading blob body")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.objects[key] = object{data: data, contentType: contentType}
	return nil
}

func (bs *Blobstore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	obj, ok := bs.objects[key]
	if !ok {
		return nil, 0, errtypes.NotFound("blob " + key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), int64(len(obj.data)), nil
}

func (bs *Blobstore) Delete(ctx context.Context, key string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.objects, key)
	return nil
}

func (bs *Blobstore) List(ctx context.Context, prefix string) ([]string, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var keys []string
	for k := range bs.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (bs *Blobstore) InitiateMultipart(ctx context.Context, key string) (string, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	uploadID := uuid.NewString()
	bs.multipart[uploadID] = &multipart{key: key, parts: map[int]part{}}
	return uploadID, nil
}

func (bs *Blobstore) PutPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "memory: error reading part body")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	mp, ok := bs.multipart[uploadID]
	if !ok || mp.key != key {
		return "", errtypes.NotFound("multipart upload " + uploadID)
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	// Last writer wins on part number, like s3.
	mp.parts[partNumber] = part{etag: etag, data: data}
	return etag, nil
}

func (bs *Blobstore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blobstore.Part) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	mp, ok := bs.multipart[uploadID]
	if !ok || mp.key != key {
		return errtypes.NotFound("multipart upload " + uploadID)
	}
	var buf bytes.Buffer
	for _, p := range parts {
		staged, ok := mp.parts[p.PartNumber]
		if !ok {
			return errtypes.BadRequest("unknown part number in complete request")
		}
		if staged.etag != p.ETag {
			return errtypes.BadRequest("part etag mismatch")
		}
		buf.Write(staged.data)
	}
	bs.objects[key] = object{data: buf.Bytes(), contentType: "application/octet-stream"}
	delete(bs.multipart, uploadID)
	return nil
}

func (bs *Blobstore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	mp, ok := bs.multipart[uploadID]
	if !ok || mp.key != key {
		return errtypes.NotFound("multipart upload " + uploadID)
	}
	delete(bs.multipart, uploadID)
	return nil
}

func (bs *Blobstore) ListMultipartUploads(ctx context.Context, prefix string) ([]blobstore.MultipartInfo, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var uploads []blobstore.MultipartInfo
	for id, mp := range bs.multipart {
		if strings.HasPrefix(mp.key, prefix) {
			uploads = append(uploads, blobstore.MultipartInfo{Key: mp.key, UploadID: id})
		}
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Key < uploads[j].Key })
	return uploads, nil
}
