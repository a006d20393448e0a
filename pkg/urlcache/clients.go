package urlcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/cache"
	"github.com/google/uuid"

	"encore.app/pkg/models"
)

const opTimeout = 5 * time.Second

// Clients is the split read/write handle pair over the shared cluster.
type Clients struct {
	reader *ReadClient
	writer *WriteClient
}

// New returns the client pair with a shared circuit breaker.
func New() *Clients {
	b := NewBreaker()
	return &Clients{
		reader: &ReadClient{breaker: b},
		writer: &WriteClient{breaker: b},
	}
}

// Reader returns the read handle (lookup-cache GETs only).
func (c *Clients) Reader() *ReadClient { return c.reader }

// Writer returns the write handle (all mutations, counters, locks, streams).
func (c *Clients) Writer() *WriteClient { return c.writer }

// Healthy reports whether the cluster is currently usable.
func (c *Clients) Healthy(ctx context.Context) bool {
	return c.writer.Ping(ctx) == nil
}

// ReadClient performs lookup-cache reads. Backed by a replica when the
// cluster has one, falling back to the master otherwise.
type ReadClient struct {
	breaker *Breaker
}

// GetURL reads the cached payload for a short code. The second return value
// is false on a cache miss.
func (r *ReadClient) GetURL(ctx context.Context, code string) (models.CachedURLPayload, bool, error) {
	var payload models.CachedURLPayload
	ok := false
	err := guarded(ctx, r.breaker, func(ctx context.Context) error {
		p, err := urls.Get(ctx, code)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, ok = p, true
		return nil
	})
	return payload, ok, err
}

// WriteClient performs every mutating cache operation against the master.
type WriteClient struct {
	breaker *Breaker
}

// SetURL caches the payload under url/<code> with the lookup TTL.
func (w *WriteClient) SetURL(ctx context.Context, code string, payload models.CachedURLPayload) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		return urls.Set(ctx, code, payload)
	})
}

// DeleteURL removes the cached payload. Deleting an absent key is a no-op.
func (w *WriteClient) DeleteURL(ctx context.Context, code string) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		return urls.Delete(ctx, code)
	})
}

// IncrClickBuffer atomically increments the click buffer for a code and
// returns the new value.
func (w *WriteClient) IncrClickBuffer(ctx context.Context, code string) (int64, error) {
	var v int64
	err := guarded(ctx, w.breaker, func(ctx context.Context) error {
		n, err := clickBuffers.Increment(ctx, code, 1)
		v = n
		return err
	})
	return v, err
}

// DecrClickBuffer subtracts delta from the click buffer.
func (w *WriteClient) DecrClickBuffer(ctx context.Context, code string, delta int64) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		_, err := clickBuffers.Decrement(ctx, code, delta)
		return err
	})
}

// GetClickBuffer returns the buffered click count for a code, clamped at 0.
// An absent buffer reads as 0.
func (w *WriteClient) GetClickBuffer(ctx context.Context, code string) (int64, error) {
	var v int64
	err := guarded(ctx, w.breaker, func(ctx context.Context) error {
		n, err := clickBuffers.Get(ctx, code)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		if err != nil {
			return err
		}
		v = n
		return nil
	})
	if v < 0 {
		v = 0
	}
	return v, err
}

// DeleteClickBuffer removes the buffer counter for a code.
func (w *WriteClient) DeleteClickBuffer(ctx context.Context, code string) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		return clickBuffers.Delete(ctx, code)
	})
}

// AcquireURLLock attempts the single-flight lookup lock for a code.
// Returns the owner token and whether the lock was acquired.
func (w *WriteClient) AcquireURLLock(ctx context.Context, code string) (string, bool, error) {
	return w.acquire(ctx, urlLocks, code)
}

// ReleaseURLLock releases the lookup lock if the token still owns it.
func (w *WriteClient) ReleaseURLLock(ctx context.Context, code, token string) error {
	return w.release(ctx, urlLocks, code, token)
}

// AcquireFlushLock attempts the on-demand click-flush lock for a code.
func (w *WriteClient) AcquireFlushLock(ctx context.Context, code string) (string, bool, error) {
	return w.acquire(ctx, flushLocks, code)
}

// ReleaseFlushLock releases the flush lock if the token still owns it.
func (w *WriteClient) ReleaseFlushLock(ctx context.Context, code, token string) error {
	return w.release(ctx, flushLocks, code, token)
}

func (w *WriteClient) acquire(ctx context.Context, ks *cache.StringKeyspace[string], key string) (string, bool, error) {
	token := uuid.NewString()
	acquired := false
	err := guarded(ctx, w.breaker, func(ctx context.Context) error {
		err := ks.SetIfNotExists(ctx, key, token)
		if errors.Is(err, cache.KeyExists) {
			return nil
		}
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if !acquired {
		token = ""
	}
	return token, acquired, err
}

// release deletes the lock only when the caller's token still owns it.
// The cache API exposes no server-side scripts, so this is get-compare-delete;
// the mismatch window is bounded by the lock TTL and delete is idempotent.
func (w *WriteClient) release(ctx context.Context, ks *cache.StringKeyspace[string], key, token string) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		owner, err := ks.Get(ctx, key)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != token {
			return nil
		}
		return ks.Delete(ctx, key)
	})
}

// AppendStream appends a click event to the named fallback stream.
func (w *WriteClient) AppendStream(ctx context.Context, stream string, ev models.ClickEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("urlcache: marshal stream entry: %w", err)
	}
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		_, err := streams.PushRight(ctx, stream, string(data))
		return err
	})
}

// PopStream removes and returns the oldest entry of the named stream.
// The destructive pop acknowledges the entry. ok is false when the stream
// is empty.
func (w *WriteClient) PopStream(ctx context.Context, stream string) (models.ClickEvent, bool, error) {
	var ev models.ClickEvent
	ok := false
	err := guarded(ctx, w.breaker, func(ctx context.Context) error {
		raw, err := streams.PopLeft(ctx, stream)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return fmt.Errorf("urlcache: decode stream entry: %w", err)
		}
		ok = true
		return nil
	})
	return ev, ok, err
}

// IncrAgg adds delta to the per-consumer ingestion spill counter for a code.
func (w *WriteClient) IncrAgg(ctx context.Context, consumer, code string, delta int64) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		_, err := aggCounters.Increment(ctx, AggKey{Consumer: consumer, Code: code}, delta)
		return err
	})
}

// DeleteAgg removes the spill counters for the given codes.
func (w *WriteClient) DeleteAgg(ctx context.Context, consumer string, codes []string) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		for _, code := range codes {
			if err := aggCounters.Delete(ctx, AggKey{Consumer: consumer, Code: code}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping verifies the master is reachable by writing a short-lived probe key.
func (w *WriteClient) Ping(ctx context.Context) error {
	return guarded(ctx, w.breaker, func(ctx context.Context) error {
		return urlLocks.Set(ctx, probeKey, "1")
	})
}

// guarded applies the circuit breaker and the operation timeout around fn.
func guarded(ctx context.Context, b *Breaker, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
