package shortener

import (
	"context"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"encore.app/pkg/models"
)

// Lookup resolves a short code to its URL record, nil when unknown.
//
// Algorithm: reader-side cache read; on miss, an in-process singleflight
// wraps the distributed single-flight fill (set-if-absent lock, OLTP read,
// cache write). Losers of the distributed lock re-read the cache a few
// times and finally fall through to a lockless OLTP read. Cache failures
// degrade to direct OLTP reads and are never surfaced.
func (s *Service) Lookup(ctx context.Context, code string) (rec *models.URLRecord, err error) {
	began := time.Now()
	defer func() {
		switch {
		case err != nil:
			s.metrics.Lookup.observe(began, &s.metrics.Lookup.Error)
		case rec == nil:
			s.metrics.Lookup.observe(began, &s.metrics.Lookup.NotFound)
		default:
			s.metrics.Lookup.observe(began, &s.metrics.Lookup.Success)
		}
	}()

	payload, hit, cerr := s.reader.GetURL(ctx, code)
	if cerr != nil {
		rlog.Error("lookup cache read failed, degrading to store", "code", code, "err", cerr)
	}
	if hit {
		s.metrics.CacheHits.Add(1)
		return payload.Record(), nil
	}
	s.metrics.CacheMisses.Add(1)

	// Collapse concurrent misses for the same code inside this process
	// before contending on the distributed lock.
	v, ferr, _ := s.inproc.Do(code, func() (interface{}, error) {
		return s.fillFromStore(ctx, code)
	})
	if ferr != nil {
		return nil, ferr
	}
	if v == nil {
		return nil, nil
	}
	return v.(*models.URLRecord), nil
}

// fillFromStore performs the distributed single-flight fill for one code.
func (s *Service) fillFromStore(ctx context.Context, code string) (*models.URLRecord, error) {
	token, acquired, err := s.writer.AcquireURLLock(ctx, code)
	if err != nil {
		rlog.Error("lookup lock acquisition failed, degrading to store", "code", code, "err", err)
	}

	if !acquired {
		// Another holder is filling; poll the cache for its result.
		for i := 0; i < s.config.LockRetryCount; i++ {
			select {
			case <-ctx.Done():
				return nil, &errs.Error{Code: errs.Unavailable, Message: "lookup cancelled"}
			case <-time.After(s.config.LockRetryDelay):
			}

			payload, hit, rerr := s.reader.GetURL(ctx, code)
			if rerr == nil && hit {
				return payload.Record(), nil
			}
		}
		// Fall through to a lockless store read.
	}

	defer func() {
		if acquired {
			// Release survives cancellation of the request context.
			if rerr := s.writer.ReleaseURLLock(context.WithoutCancel(ctx), code, token); rerr != nil {
				rlog.Error("lookup lock release failed", "code", code, "err", rerr)
			}
		}
	}()

	rec, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "store unavailable"}
	}
	if rec == nil {
		// Unknown codes leave no cache entry behind.
		return nil, nil
	}

	s.cacheRecord(ctx, rec)
	return rec, nil
}

// Statistics returns a derived record whose click count includes the
// buffered delta not yet flushed to the store. The persisted record is not
// mutated.
func (s *Service) Statistics(ctx context.Context, code string) (rec *models.URLRecord, err error) {
	began := time.Now()
	defer func() {
		switch {
		case err != nil:
			s.metrics.Stats.observe(began, &s.metrics.Stats.Error)
		case rec == nil:
			s.metrics.Stats.observe(began, &s.metrics.Stats.NotFound)
		default:
			s.metrics.Stats.observe(began, &s.metrics.Stats.Success)
		}
	}()

	rec, err = s.Lookup(ctx, code)
	if err != nil || rec == nil {
		return rec, err
	}

	buffered, berr := s.writer.GetClickBuffer(ctx, code)
	if berr != nil {
		rlog.Error("buffered click read failed", "code", code, "err", berr)
		buffered = 0
	}

	derived := *rec
	derived.Clicks += buffered
	return &derived, nil
}
