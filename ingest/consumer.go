package ingest

import (
	"context"
	"time"

	"encore.dev/rlog"

	"encore.app/pkg/models"
)

// handleClick validates and aggregates one queue event. Malformed events
// are counted and dropped (acknowledged), never retried.
func (s *Service) handleClick(ctx context.Context, ev *models.ClickEvent) error {
	if !ev.Valid() {
		s.metrics.InvalidEvents.Add(1)
		rlog.Error("dropping invalid click event", "event", ev)
		return nil
	}

	s.metrics.QueueEvents.Add(1)
	return s.ingest(ctx, ev.ShortCode, ev.Delta)
}

// ingest adds a delta to the aggregation map and the crash-resilient spill
// hash. Overflow of the map forces an immediate flush.
func (s *Service) ingest(ctx context.Context, code string, delta int64) error {
	s.mu.Lock()
	s.agg[code] += delta
	full := len(s.agg) >= s.config.BatchSize
	s.mu.Unlock()

	if err := s.cache.IncrAgg(ctx, s.consumer, code, delta); err != nil {
		// The in-memory aggregate still carries the delta; the spill is
		// redundancy, not the source of truth for this process.
		rlog.Error("spill hash write failed", "code", code, "err", err)
	}

	if full {
		if err := s.flush(ctx); err != nil {
			s.metrics.FlushFailures.Add(1)
			rlog.Error("overflow flush failed", "err", err)
		}
	}
	return nil
}

// drainFallback pops pending fallback-stream entries and aggregates them.
// The destructive pop acknowledges each entry.
func (s *Service) drainFallback(ctx context.Context) {
	cfg := s.cfg()
	for i := 0; i < cfg.DrainLimit; i++ {
		ev, ok, err := s.cache.PopStream(ctx, cfg.StreamName)
		if err != nil {
			rlog.Error("fallback stream read failed", "err", err)
			return
		}
		if !ok {
			return
		}
		if !ev.Valid() {
			s.metrics.InvalidEvents.Add(1)
			continue
		}
		s.metrics.StreamEvents.Add(1)
		if err := s.ingest(ctx, ev.ShortCode, ev.Delta); err != nil {
			rlog.Error("fallback ingest failed", "code", ev.ShortCode, "err", err)
		}
	}
}

// flush commits the pending aggregate: additive OLTP updates in one
// transaction, then buffer decrements and lookup-cache invalidations, then
// analytics rows, then spill cleanup.
func (s *Service) flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.agg
	s.agg = make(map[string]int64)
	s.mu.Unlock()

	deltas := make(map[string]int64, len(pending))
	codes := make([]string, 0, len(pending))
	for code, delta := range pending {
		codes = append(codes, code)
		if delta > 0 {
			deltas[code] = delta
		}
	}

	if len(deltas) == 0 {
		if len(codes) > 0 {
			if err := s.cache.DeleteAgg(ctx, s.consumer, codes); err != nil {
				rlog.Error("spill cleanup failed", "err", err)
			}
		}
		return nil
	}

	if err := s.store.ApplyClickDeltas(ctx, deltas); err != nil {
		// Put the aggregate back so the next cycle retries it.
		s.mu.Lock()
		for code, delta := range pending {
			s.agg[code] += delta
		}
		s.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	rows := make([]ClickRow, 0, len(deltas))
	var total int64
	for code, delta := range deltas {
		if err := s.cache.DecrClickBuffer(ctx, code, delta); err != nil {
			rlog.Error("buffer decrement failed", "code", code, "err", err)
		}
		if err := s.cache.DeleteURL(ctx, code); err != nil {
			rlog.Error("lookup cache invalidation failed", "code", code, "err", err)
		}
		rows = append(rows, ClickRow{ShortCode: code, Delta: delta, EventTime: now})
		total += delta
	}

	if err := s.sink.InsertClickEvents(ctx, rows); err != nil {
		rlog.Error("analytics insert failed", "rows", len(rows), "err", err)
	} else {
		s.metrics.AnalyticsRows.Add(int64(len(rows)))
	}

	if err := s.cache.DeleteAgg(ctx, s.consumer, codes); err != nil {
		rlog.Error("spill cleanup failed", "err", err)
	}

	s.metrics.Flushes.Add(1)
	s.metrics.FlushedDeltas.Add(total)
	return nil
}

// startFlusher launches the interval flush and fallback drain loop.
func (s *Service) startFlusher() {
	s.wg.Add(1)
	go s.runFlusher()
}

func (s *Service) runFlusher() {
	defer s.wg.Done()

	// A plain timer rather than a ticker so interval updates take effect
	// on the next cycle.
	for {
		select {
		case <-s.stopChan:
			return
		case <-time.After(s.cfg().FlushInterval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.drainFallback(ctx)
		if err := s.flush(ctx); err != nil {
			s.metrics.FlushFailures.Add(1)
			rlog.Error("scheduled flush failed", "err", err)
		}
		cancel()
	}
}
