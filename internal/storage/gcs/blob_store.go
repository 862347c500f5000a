// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/retry"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Retry governs uploads that fail with quota or server errors.
	Retry retry.Policy
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	policy retry.Policy
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Default()
	}
	policy.Retryable = Retryable
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		policy: policy,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.upload(ctx, path, contentType, data)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

func (s *BlobStore) upload(ctx context.Context, path, contentType string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return classify(fmt.Errorf("write object %s: %w", path, err))
	}
	if err := writer.Close(); err != nil {
		return classify(fmt.Errorf("close writer for %s: %w", path, err))
	}
	return nil
}

// GetObject downloads path. Missing objects yield crawler.ErrNotFound.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", path, crawler.ErrNotFound)
		}
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

// DeleteObject removes path. Missing objects are not an error.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	return nil
}

// CheckBucket verifies the bucket exists and is reachable.
func (s *BlobStore) CheckBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("get bucket %q attributes: %w", s.bucket, err)
	}
	return nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", crawler.ErrQuota, err)
	}
	return fmt.Errorf("%w: %w", crawler.ErrUpload, err)
}

// Retryable reports whether an upload error is worth another attempt:
// quota exhaustion and server-side failures.
func Retryable(err error) bool {
	if errors.Is(err, crawler.ErrQuota) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusInternalServerError
	}
	return false
}
