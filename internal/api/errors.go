package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Remote error taxonomy.
var (
	// ErrUnauthenticated maps a 401: the token is missing or expired.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden maps a 403: the principal lacks rights.
	ErrForbidden = errors.New("forbidden")
)

// StaleError maps a 409: the server holds a newer version of the record.
type StaleError struct {
	ServerVersion int64
	Body          json.RawMessage
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale: server at version %d", e.ServerVersion)
}

// RateLimitedError maps a 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RequestError maps a non-conflict 4xx: the payload failed server-side
// validation and retrying will not help.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Message)
}

// TransientError maps 5xx responses, timeouts and connection failures. The
// engine retries these with backoff.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: server returned %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the engine should retry the operation later
// without touching the journal entry's payload.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
