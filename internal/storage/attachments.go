package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
)

// AttachmentStore keeps chat message attachments in object storage. The REST
// surface uploads them; the hub only needs to presign fetchable links when it
// pushes notifications referencing attachment paths.
type AttachmentStore struct {
	client *minio.Client
	bucket string
}

// NewAttachmentStore wraps an object storage client for a fixed bucket.
func NewAttachmentStore(client *minio.Client, bucket string) *AttachmentStore {
	return &AttachmentStore{client: client, bucket: bucket}
}

// Put stores an attachment under the given object path.
func (a *AttachmentStore) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	_, err := a.client.PutObject(ctx, a.bucket, path, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put attachment %s: %w", path, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for an attachment path.
func (a *AttachmentStore) PresignGet(ctx context.Context, path string, expiry time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket, path, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign attachment %s: %w", path, err)
	}
	return u.String(), nil
}
