package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotModified is returned when a conditional request finds the
	// resource unchanged (HTTP 304). The caller should keep its current
	// copy; this is not a failure.
	ErrNotModified = errors.New("resource not modified")

	// ErrHTTPStatus is returned when the server answers with a status
	// code outside the 2xx range. Wrapped errors carry the code.
	ErrHTTPStatus = errors.New("unexpected http status")

	// ErrNoUsableURI is returned when every candidate URI in a request
	// failed. The individual failures are joined into the error chain.
	ErrNoUsableURI = errors.New("no usable uri")
)

// StatusError reports a response with a status code outside the 2xx range.
type StatusError struct {
	Code int
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.Code)
}

// Is makes errors.Is(err, ErrHTTPStatus) match any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// Retryable reports whether the status indicates a transient condition.
// Server errors and 429 are worth retrying; other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 429
}
