package chatlog

import (
	"errors"
	"fmt"
)

// TransientFetchError wraps a failure worth retrying: network errors,
// timeouts and 5xx responses.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Transient marks the error as retryable.
func (e *TransientFetchError) Transient() bool {
	return true
}

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// IsTransient reports whether err wraps a *TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}
