package domain

import "errors"

// Common domain errors
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyClaimed    = errors.New("entry already claimed")
	ErrInsufficientSpace = errors.New("insufficient destination space")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrClosed            = errors.New("fetcher is closed")
)

// NetworkError wraps a transient transfer failure. Workers retry these
// with backoff; once attempts are exhausted the entry is marked failed
// with FailureNetwork.
type NetworkError struct {
	Op  string
	Err error
}

// Error returns the error message
func (e *NetworkError) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried rather than
// recorded as a terminal failure. Auth failures and cancellation are
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return false
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}
