package actorcall

import "errors"

// retryableError flags an error as safe to retry. Retryability travels on
// the error value itself; classifying by message text is deliberately not
// supported.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func (e *retryableError) RetryableActorCall() bool { return true }

// MarkRetryable wraps err so Retryable reports true. nil stays nil.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryable reports whether err (or anything it wraps) carries the explicit
// retryable flag.
func Retryable(err error) bool {
	var marker interface{ RetryableActorCall() bool }
	return errors.As(err, &marker) && marker.RetryableActorCall()
}
