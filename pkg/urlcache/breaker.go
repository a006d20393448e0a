package urlcache

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the circuit breaker is open and the
// operation was not attempted.
var ErrBreakerOpen = errors.New("urlcache: circuit breaker open")

// Breaker is a consecutive-failure circuit breaker: it trips open after
// Threshold consecutive failures, rejects operations for OpenFor, then
// allows a probe and closes on the first success.
type Breaker struct {
	Threshold int
	OpenFor   time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewBreaker returns a breaker with the default policy: 5 consecutive
// failures open it for 60 seconds.
func NewBreaker() *Breaker {
	return &Breaker{Threshold: 5, OpenFor: 60 * time.Second}
}

// Allow reports whether an operation may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.Threshold {
		return true
	}
	if time.Now().After(b.openUntil) {
		// Half-open: allow a probe. A failure re-arms the open window.
		return true
	}
	return false
}

// Success records a successful operation and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failure records a failed operation.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.Threshold {
		b.openUntil = time.Now().Add(b.OpenFor)
	}
}

// Open reports whether the breaker is currently rejecting operations.
func (b *Breaker) Open() bool { return !b.Allow() }
