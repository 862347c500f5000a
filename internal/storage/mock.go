package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of crawler.BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call and returns the configured URI and error.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// GetObject records the call and returns the configured data and error.
func (m *MockBlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}

// DeleteObject records the call and returns the configured error.
func (m *MockBlobStore) DeleteObject(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0) //nolint:wrapcheck
}
