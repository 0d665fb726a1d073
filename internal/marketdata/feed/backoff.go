package feed

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff waits Base*n before the n-th retry and stops after MaxAttempts.
// It implements backoff.BackOff.
type LinearBackOff struct {
	Base        time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NextBackOff advances the attempt counter and returns the delay for it, or
// backoff.Stop once the counter passes MaxAttempts.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.MaxAttempts {
		return backoff.Stop
	}
	return b.Base * time.Duration(b.attempt)
}

// Reset clears the attempt counter after a successful connect.
func (b *LinearBackOff) Reset() { b.attempt = 0 }

// Attempt returns the number of NextBackOff calls since the last Reset.
func (b *LinearBackOff) Attempt() int { return b.attempt }
