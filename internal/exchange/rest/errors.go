package rest

import (
	"errors"
	"fmt"
)

// FetchError distinguishes transient failures (worth retrying) from
// fatal ones (malformed response, bad request), mirroring the
// retryable/fatal split reference exchange clients in the pack use
// instead of string-matching error messages.
type FetchError struct {
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func retryable(format string, args ...interface{}) error {
	return &FetchError{Retryable: true, Err: fmt.Errorf(format, args...)}
}

func fatal(format string, args ...interface{}) error {
	return &FetchError{Retryable: false, Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err (or a wrapped FetchError within it)
// should be retried under the backoff policy.
func IsRetryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Retryable
}
