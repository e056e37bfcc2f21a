// Package imagestore persists reassembled image artifacts to blob storage.
package imagestore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
)

// Uploader writes an artifact under a bucket-relative path and returns its
// public URL. Uploads have upsert semantics: re-finalizing a transfer
// overwrites the prior object.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) (string, error)
}

// GCS uploads to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS opens the shared storage client against the configured bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	var client, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Upload writes data as image/jpeg under path and returns the public URL.
func (g *GCS) Upload(ctx context.Context, path string, data []byte) (string, error) {
	var w = g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	w.ContentType = "image/jpeg"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("writing object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finishing object %s: %w", path, err)
	}
	return PublicURL(g.bucket, path), nil
}

// Close releases the storage client.
func (g *GCS) Close() error { return g.client.Close() }

// PublicURL composes the object's public URL, escaping each path segment.
func PublicURL(bucket, path string) string {
	var segments = strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, strings.Join(segments, "/"))
}
