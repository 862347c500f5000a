package crawler

import "errors"

// Error taxonomy shared across the pipeline. Callers wrap these with context
// and test with errors.Is.
var (
	// ErrNetwork marks a fetch that never produced an HTTP response (status 0).
	ErrNetwork = errors.New("network failure")
	// ErrHTTPStatus marks a 4xx/5xx response.
	ErrHTTPStatus = errors.New("http error status")
	// ErrContentValidation marks an empty, truncated or non-HTML body.
	ErrContentValidation = errors.New("content validation failed")
	// ErrUpload marks an artifact storage failure.
	ErrUpload = errors.New("upload failed")
	// ErrQuota marks a rate or quota rejection from a collaborator; retryable.
	ErrQuota = errors.New("quota exceeded")
	// ErrPersistence marks an unreachable or failing document store; retryable.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned when a record or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by components used after shutdown.
	ErrClosed = errors.New("closed")
)
