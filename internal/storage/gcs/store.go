// Package gcs archives screenshot artifacts in a Google Cloud Storage
// bucket. Authentication uses Application Default Credentials.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// Store implements gateway.BlobStore on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a client and verifies bucket access so misconfiguration fails
// at startup rather than on the first screenshot.
func New(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("access bucket %q: %w", bucket, err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// PutObject uploads data and returns its gs:// URI.
func (s *Store) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	wc := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	// Close finalizes the upload; nothing is durable until it returns.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
