package warming

import (
	"context"

	"encore.dev/rlog"

	"encore.app/pkg/models"
)

// Tick runs one warming pass: the base cycle, then the configured
// extensions (pre-generation, target-keys continuation, hit-rate reaction).
func (s *Service) Tick(ctx context.Context) error {
	s.metrics.Cycles.Add(1)
	cfg := s.cfg()

	warmed, err := s.warmCycle(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Pregenerate > 0 {
		s.pregenerate(ctx, cfg.Pregenerate)
	}

	// Keep going until the cumulative WarmedEntries counter reaches the
	// target. The counter counts every write since the service started,
	// repeated writes of the same key included; the number of distinct keys
	// in the cache is not checked. A cycle that writes nothing ends the loop.
	for cfg.TargetKeys > 0 && s.metrics.WarmedEntries.Load() < int64(cfg.TargetKeys) {
		s.metrics.ExtraCycles.Add(1)
		n, err := s.warmCycle(ctx, cfg)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	if cfg.HitRateThreshold > 0 && warmed > 0 {
		hitRate, ok, err := s.hits.HitRate(ctx)
		if err != nil {
			rlog.Error("hit rate sample failed", "err", err)
		} else if ok && hitRate*100 < cfg.HitRateThreshold {
			s.metrics.ExtraCycles.Add(1)
			if _, err := s.warmCycle(ctx, cfg); err != nil {
				return err
			}
		}
	}

	return nil
}

// warmCycle selects the top-N most-clicked records (plus the optional
// random sample) and writes their cache entries. Returns how many entries
// were written.
func (s *Service) warmCycle(ctx context.Context, cfg Config) (int, error) {
	if err := s.originLimiter().Wait(ctx); err != nil {
		return 0, err
	}

	records, err := s.source.TopClicked(ctx, cfg.TopN)
	if err != nil {
		return 0, err
	}

	if cfg.RandomSample > 0 {
		if err := s.originLimiter().Wait(ctx); err != nil {
			return 0, err
		}
		sample, err := s.source.RandomSample(ctx, cfg.RandomSample)
		if err != nil {
			rlog.Error("random sample failed", "err", err)
		} else {
			records = append(records, sample...)
		}
	}

	warmed := 0
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if seen[rec.ShortCode] {
			continue
		}
		seen[rec.ShortCode] = true

		if err := s.cache.SetURL(ctx, rec.ShortCode, models.CachedPayload(rec)); err != nil {
			rlog.Error("warm write failed", "code", rec.ShortCode, "err", err)
			continue
		}
		warmed++
	}

	s.metrics.WarmedEntries.Add(int64(warmed))
	return warmed, nil
}

// pregenerate reserves one allocator range of count IDs and counts it in
// the Pregenerated metric. No URL records are inserted and the range is not
// handed to the shortener, so the reserved IDs are never used for codes
// and never resolvable.
func (s *Service) pregenerate(ctx context.Context, count int) {
	start, end, err := s.allocator.Allocate(ctx, int64(count))
	if err != nil {
		rlog.Error("pre-generation allocation failed", "err", err)
		return
	}
	s.metrics.Pregenerated.Add(end - start + 1)
	rlog.Debug("pre-generated id range", "start", start, "end", end)
}
