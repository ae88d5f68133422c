// Package failure classifies pipeline errors into transient and permanent
// failures and maps them to the cause labels stored on job records and dead
// letters.
package failure

import (
	"context"
	"errors"
)

const (
	CauseValidation        = "validation_error"
	CauseFetch             = "fetch_error"
	CauseTransform         = "transform_error"
	CauseUnsupportedFormat = "unsupported_format"
	CausePersistence       = "persistence_error"
	CauseTimeout           = "timeout"
	CauseRetriesExhausted  = "retries_exhausted"
	CauseInternal          = "internal_error"
)

type permanent interface {
	Permanent() bool
}

type causer interface {
	Cause() string
}

// IsPermanent reports whether retrying err can never succeed. Errors that do
// not declare themselves permanent are treated as transient.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}

// CauseOf returns the cause label for err.
func CauseOf(err error) string {
	if err == nil {
		return ""
	}
	var c causer
	if errors.As(err, &c) {
		return c.Cause()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	return CauseInternal
}

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error, cause string) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err, cause: cause}
}

type permanentError struct {
	err   error
	cause string
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }
func (e *permanentError) Cause() string   { return e.cause }
