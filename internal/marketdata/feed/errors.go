package feed

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by Subscribe outside the Connected state.
	ErrNotConnected = errors.New("feed: not connected")

	// ErrExhausted is reported once the reconnect budget is spent.
	ErrExhausted = errors.New("feed: reconnect attempts exhausted")

	// ErrMissingCredential is wrapped by AuthorizationError when no access
	// token is configured. It is never retried.
	ErrMissingCredential = errors.New("missing access token")
)

// AuthorizationError is returned when the broker refuses to hand out a feed URL.
type AuthorizationError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *AuthorizationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed: authorize: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feed: authorize: %v", e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// ConnectionTimeoutError is returned when the streaming connection is not
// established within the connect timeout.
type ConnectionTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("feed: connect %s: not established within %s", e.URL, e.Timeout)
}
