package allocator

import (
	"context"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"encore.app/pkg/backoff"
)

// AllocateRange reserves an inclusive range [start, end] of size IDs.
// Ranges returned by successful calls never overlap, across all callers and
// instances, for the lifetime of the system.
func (s *Service) AllocateRange(ctx context.Context, size int64) (start, end int64, source string, err error) {
	if size < 1 || size > s.config.MaxBlock {
		return 0, 0, "", &errs.Error{
			Code:    errs.InvalidArgument,
			Message: "range size out of bounds",
		}
	}

	began := time.Now()
	s.rps.Record()

	defer func() {
		s.metrics.TotalDurationMs.Add(time.Since(began).Milliseconds())
		if err != nil {
			s.metrics.FailedAllocations.Add(1)
		} else {
			s.metrics.TotalAllocations.Add(1)
		}
	}()

	if s.cache.PrimaryHealthy(ctx) {
		start, end, err = s.allocateFromPrimary(ctx, size)
		switch {
		case err == nil:
			s.metrics.RedisAllocations.Add(1)
			s.recordAllocation(ctx, start, end, size, SourceRedisSentinel)
			return start, end, SourceRedisSentinel, nil
		case errs.Code(err) == errs.ResourceExhausted:
			// Lock contention exhausted its retries; the counter itself is
			// fine, so fail fast rather than splitting the sequence across
			// backends under load.
			return 0, 0, "", err
		default:
			rlog.Error("primary allocation failed, trying secondary", "err", err)
		}
	}

	start, end, err = s.cache.SecondaryAllocate(ctx, size, s.config.CounterBase)
	if err == nil {
		s.metrics.SecondaryAllocations.Add(1)
		s.recordAllocation(ctx, start, end, size, SourceRedisSecondary)
		return start, end, SourceRedisSecondary, nil
	}
	rlog.Error("secondary allocation failed, trying relational sequence", "err", err)

	start, end, err = s.store.NextSequenceRange(ctx, size)
	if err == nil {
		s.metrics.PostgresAllocations.Add(1)
		s.recordAllocation(ctx, start, end, size, SourcePostgreSQL)
		return start, end, SourcePostgreSQL, nil
	}
	rlog.Error("all allocation backends failed", "err", err)

	return 0, 0, "", &errs.Error{
		Code:    errs.Unavailable,
		Message: "all allocation backends failed",
	}
}

// allocateFromPrimary performs the locked read-compute-write on the global
// counter. Steps 2-4 happen while the lock is held; audit persistence
// happens after release.
func (s *Service) allocateFromPrimary(ctx context.Context, size int64) (int64, int64, error) {
	token, err := s.acquireLockWithRetry(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		// Release survives cancellation of the caller's context.
		if rerr := s.cache.ReleaseLock(context.WithoutCancel(ctx), token); rerr != nil {
			rlog.Error("allocation lock release failed", "err", rerr)
		}
	}()

	current, ok, err := s.cache.GetCounter(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		current, err = s.restoredBase(ctx)
		if err != nil {
			return 0, 0, err
		}
	}

	start := current + 1
	end := current + size
	if err := s.cache.SetCounter(ctx, end); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// acquireLockWithRetry attempts the allocation lock with exponential
// backoff and jitter, capped so the whole retry loop fits the lock budget.
func (s *Service) acquireLockWithRetry(ctx context.Context) (string, error) {
	policy := backoff.Policy{
		Base:   50 * time.Millisecond,
		Factor: 2,
		Jitter: 0.2,
		Max:    s.config.LockTimeout / time.Duration(s.config.LockRetries) / 2,
	}

	for attempt := 1; attempt <= s.config.LockRetries; attempt++ {
		token, acquired, err := s.cache.AcquireLock(ctx)
		if err != nil {
			return "", err
		}
		if acquired {
			return token, nil
		}

		s.metrics.LockContention.Add(1)
		if attempt == s.config.LockRetries {
			break
		}
		if err := policy.Sleep(ctx, attempt); err != nil {
			return "", err
		}
	}

	return "", &errs.Error{
		Code:    errs.ResourceExhausted,
		Message: "allocation lock contention exhausted retries",
	}
}

// restoredBase restores the counter from the durable audit table, seeding
// at the configured base when the table is empty. Serialized by the
// allocation lock at the call site.
func (s *Service) restoredBase(ctx context.Context) (int64, error) {
	maxEnd, ok, err := s.store.MaxEndID(ctx)
	if err != nil || !ok {
		return s.config.CounterBase, err
	}
	if maxEnd < s.config.CounterBase {
		return s.config.CounterBase, nil
	}
	return maxEnd, nil
}

// restoreCounter seeds the cache counter on startup when unset.
func (s *Service) restoreCounter(ctx context.Context) error {
	var err error
	s.restoreOnce.Do(func() {
		_, ok, gerr := s.cache.GetCounter(ctx)
		if gerr != nil {
			err = gerr
			return
		}
		if ok {
			return
		}

		base, berr := s.restoredBase(ctx)
		if berr != nil {
			err = berr
			return
		}
		if serr := s.cache.SetCounter(ctx, base); serr != nil {
			err = serr
			return
		}
		rlog.Info("restored global id counter", "value", base)
	})
	return err
}

// recordAllocation fast-persists the allocation into the in-cache audit map
// and enqueues the durable audit record. Best-effort: failures are logged
// and never surface to the caller.
func (s *Service) recordAllocation(ctx context.Context, start, end, size int64, source string) {
	now := time.Now().UTC()
	if err := s.cache.PutAuditRecord(ctx, start, end, size, now.Unix()); err != nil {
		rlog.Error("audit map write failed", "err", err, "start", start, "end", end)
	}

	dropped := s.pending.Push(PendingAllocation{
		Start:       start,
		End:         end,
		Size:        size,
		Source:      source,
		AllocatedAt: now,
	})
	if dropped > 0 {
		s.metrics.DroppedRecords.Add(int64(dropped))
	}
}
