// Package s3 implements the blobstore against any s3 compatible store. The
// plain object operations use the high level minio client; the multipart
// surface uses the core API so part uploads and assembly stay under the
// caller's control.
package s3

import (
	"context"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/dropchest/dropchest/pkg/blobstore"
	"github.com/dropchest/dropchest/pkg/blobstore/registry"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

func init() {
	registry.Register("s3", New)
}

type config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Blobstore provides an interface to an s3 compatible blobstore.
type Blobstore struct {
	core   *minio.Core
	bucket string
}

// New returns a blobstore from a config map.
func New(m map[string]interface{}) (blobstore.Blobstore, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "s3: error decoding config")
	}
	return NewBlobstore(c.Endpoint, c.Region, c.Bucket, c.AccessKey, c.SecretKey)
}

// NewBlobstore returns a blobstore for the given bucket.
func NewBlobstore(endpoint, region, bucket, accessKey, secretKey string) (*Blobstore, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "s3: failed to parse endpoint")
	}

	useSSL := u.Scheme != "http"
	core, err := minio.NewCore(u.Host, &minio.Options{
		Region: region,
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3: failed to setup client")
	}

	return &Blobstore{core: core, bucket: bucket}, nil
}

// Put stores the stream under the given key, durable on return.
func (bs *Blobstore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := bs.core.Client.PutObject(ctx, bs.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrapf(err, "s3: could not store object '%s' in bucket '%s'", key, bs.bucket)
	}
	return nil
}

// Get returns a streaming body and its length.
func (bs *Blobstore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := bs.core.Client.GetObject(ctx, bs.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, bs.mapError(err, key)
	}
	// GetObject is lazy; Stat forces the request so absent keys surface here.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, bs.mapError(err, key)
	}
	return obj, info.Size, nil
}

// Delete removes a blob.
func (bs *Blobstore) Delete(ctx context.Context, key string) error {
	err := bs.core.Client.RemoveObject(ctx, bs.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "s3: could not delete object '%s' from bucket '%s'", key, bs.bucket)
	}
	return nil
}

// List returns all keys under the prefix.
func (bs *Blobstore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range bs.core.Client.ListObjects(ctx, bs.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "s3: could not list prefix '%s' in bucket '%s'", prefix, bs.bucket)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// InitiateMultipart starts a chunked upload and returns its opaque id.
func (bs *Blobstore) InitiateMultipart(ctx context.Context, key string) (string, error) {
	uploadID, err := bs.core.NewMultipartUpload(ctx, bs.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "s3: could not initiate multipart upload for '%s'", key)
	}
	return uploadID, nil
}

// PutPart uploads one part; re-uploading a part number replaces the prior
// one per s3 semantics.
func (bs *Blobstore) PutPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	part, err := bs.core.PutObjectPart(ctx, bs.bucket, key, uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "s3: could not upload part %d for '%s'", partNumber, key)
	}
	return part.ETag, nil
}

// CompleteMultipart assembles the object from the supplied parts.
func (bs *Blobstore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blobstore.Part) error {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	_, err := bs.core.CompleteMultipartUpload(ctx, bs.bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "s3: could not complete multipart upload for '%s'", key)
	}
	return nil
}

// AbortMultipart discards an in-flight chunked upload and its parts.
func (bs *Blobstore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := bs.core.AbortMultipartUpload(ctx, bs.bucket, key, uploadID); err != nil {
		return errors.Wrapf(err, "s3: could not abort multipart upload for '%s'", key)
	}
	return nil
}

// ListMultipartUploads enumerates in-flight chunked uploads under the prefix.
func (bs *Blobstore) ListMultipartUploads(ctx context.Context, prefix string) ([]blobstore.MultipartInfo, error) {
	var uploads []blobstore.MultipartInfo
	for info := range bs.core.Client.ListIncompleteUploads(ctx, bs.bucket, prefix, true) {
		if info.Err != nil {
			return nil, errors.Wrapf(info.Err, "s3: could not list multipart uploads under '%s'", prefix)
		}
		uploads = append(uploads, blobstore.MultipartInfo{Key: info.Key, UploadID: info.UploadID})
	}
	return uploads, nil
}

func (bs *Blobstore) mapError(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errtypes.NotFound("blob " + key)
	}
	return errors.Wrapf(err, "s3: could not read object '%s' from bucket '%s'", key, bs.bucket)
}
