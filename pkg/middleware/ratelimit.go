// Package middleware provides request-path protections for the shortener's
// public surface.
//
// The token bucket here guards the create endpoint (global) and the
// redirect endpoint (per client): tokens refill lazily at a constant rate,
// bursts are allowed up to the bucket capacity, and state updates are
// lock-free atomics so the redirect hot path never takes a mutex.
package middleware

import (
	"sync"
	"sync/atomic"
	"time"
)

// TokenBucket is a lazy-refill token bucket with per-key and global limits.
type TokenBucket struct {
	refillRate float64 // tokens per second
	capacity   int64

	buckets sync.Map // key string -> *bucket
	global  *bucket
}

type bucket struct {
	tokens     int64 // atomic
	lastRefill int64 // atomic, unix nanos
	capacity   int64
	refillRate float64
}

// NewTokenBucket creates a limiter refilling refillRate tokens per second
// with burst capacity.
func NewTokenBucket(refillRate float64, capacity int64) *TokenBucket {
	if refillRate <= 0 || capacity <= 0 {
		panic("middleware: rate and capacity must be positive")
	}
	return &TokenBucket{
		refillRate: refillRate,
		capacity:   capacity,
		global:     newBucket(refillRate, capacity),
	}
}

func newBucket(rate float64, capacity int64) *bucket {
	return &bucket{
		tokens:     capacity,
		lastRefill: time.Now().UnixNano(),
		capacity:   capacity,
		refillRate: rate,
	}
}

// Allow consumes one token from the key's bucket. An empty key is refused.
func (tb *TokenBucket) Allow(key string) bool {
	if key == "" {
		return false
	}
	if b, ok := tb.buckets.Load(key); ok {
		return b.(*bucket).take()
	}
	actual, _ := tb.buckets.LoadOrStore(key, newBucket(tb.refillRate, tb.capacity))
	return actual.(*bucket).take()
}

// AllowGlobal consumes one token from the shared bucket.
func (tb *TokenBucket) AllowGlobal() bool {
	return tb.global.take()
}

func (b *bucket) take() bool {
	now := time.Now().UnixNano()
	for {
		current := atomic.LoadInt64(&b.tokens)
		last := atomic.LoadInt64(&b.lastRefill)

		refill := int64(b.refillRate * time.Duration(now-last).Seconds())
		tokens := current + refill
		if tokens > b.capacity {
			tokens = b.capacity
		}
		if tokens < 1 {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, current, tokens-1) {
			if refill > 0 {
				atomic.StoreInt64(&b.lastRefill, now)
			}
			return true
		}
	}
}
