//go:build gcp

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore mirrors S3Store on Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCS-backed snapshot store (application default
// credentials).
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) put(ctx context.Context, name string, raw []byte) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s failed: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s failed: %w", name, err)
	}
	return nil
}

// Save uploads doc under its own name and as latest.json.
func (s *GCSStore) Save(ctx context.Context, doc *Document) error {
	raw, err := Encode(doc)
	if err != nil {
		return err
	}
	if err := s.put(ctx, s.prefix+fileName(doc), raw); err != nil {
		return err
	}
	return s.put(ctx, s.prefix+"latest.json", raw)
}

// Latest downloads latest.json.
func (s *GCSStore) Latest(ctx context.Context) (*Document, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + "latest.json").NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("a bucket is required for GCS snapshots")
	}
	return NewGCSStore(ctx, bucket, prefix)
}
