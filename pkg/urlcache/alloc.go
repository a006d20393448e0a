package urlcache

import (
	"context"
	"errors"
	"fmt"

	"encore.dev/storage/cache"
	"github.com/google/uuid"
)

// AllocatorClient exposes the cache operations the ID allocator needs:
// the global counter and its lock on the primary cluster, the in-cache
// audit map, and the mirrored counter on the fallback cluster.
type AllocatorClient struct {
	breaker   *Breaker
	secondary *Breaker
}

// NewAllocatorClient returns an allocator cache client with independent
// breakers for the primary and fallback clusters.
func NewAllocatorClient() *AllocatorClient {
	return &AllocatorClient{breaker: NewBreaker(), secondary: NewBreaker()}
}

// PrimaryHealthy reports whether the primary cluster is usable.
func (a *AllocatorClient) PrimaryHealthy(ctx context.Context) bool {
	err := guarded(ctx, a.breaker, func(ctx context.Context) error {
		_, err := counters.Get(ctx, counterKey)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		return err
	})
	return err == nil
}

// AcquireLock attempts the global allocation lock once. Returns the owner
// token and whether it was acquired.
func (a *AllocatorClient) AcquireLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	acquired := false
	err := guarded(ctx, a.breaker, func(ctx context.Context) error {
		err := allocLocks.SetIfNotExists(ctx, allocLockKey, token)
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

// ReleaseLock releases the allocation lock if the token still owns it.
func (a *AllocatorClient) ReleaseLock(ctx context.Context, token string) error {
	return guarded(ctx, a.breaker, func(ctx context.Context) error {
		owner, err := allocLocks.Get(ctx, allocLockKey)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != token {
			return nil
		}
		return allocLocks.Delete(ctx, allocLockKey)
	})
}

// GetCounter reads the global ID counter. ok is false when unset.
func (a *AllocatorClient) GetCounter(ctx context.Context) (int64, bool, error) {
	var v int64
	ok := false
	err := guarded(ctx, a.breaker, func(ctx context.Context) error {
		n, err := counters.Get(ctx, counterKey)
		if errors.Is(err, cache.Miss) {
			return nil
		}
		if err != nil {
			return err
		}
		v, ok = n, true
		return nil
	})
	return v, ok, err
}

// SetCounter writes the global ID counter. Only called under the lock.
func (a *AllocatorClient) SetCounter(ctx context.Context, v int64) error {
	return guarded(ctx, a.breaker, func(ctx context.Context) error {
		return counters.Set(ctx, counterKey, v)
	})
}

// PutAuditRecord fast-persists one allocation into the in-cache audit map.
func (a *AllocatorClient) PutAuditRecord(ctx context.Context, start, end, size, unix int64) error {
	return guarded(ctx, a.breaker, func(ctx context.Context) error {
		key := fmt.Sprintf("%d-%d", start, end)
		return auditRecords.Set(ctx, key, fmt.Sprintf("%d:%d", unix, size))
	})
}

// SecondaryAllocate reserves a range on the fallback cluster's counter with
// a single atomic increment. Returns (start, end).
func (a *AllocatorClient) SecondaryAllocate(ctx context.Context, size, seed int64) (int64, int64, error) {
	var start, end int64
	err := guarded(ctx, a.secondary, func(ctx context.Context) error {
		// Seed once so the mirror starts past the base; SETNX + INCRBY is
		// race-free across concurrent first users.
		if err := fallbackCounters.SetIfNotExists(ctx, counterKey, seed); err != nil && !errors.Is(err, cache.KeyExists) {
			return err
		}
		n, err := fallbackCounters.Increment(ctx, counterKey, size)
		if err != nil {
			return err
		}
		start, end = n-size+1, n
		return nil
	})
	return start, end, err
}
