package allocator

import (
	"context"
	"sync"
	"time"

	"encore.dev/rlog"

	"encore.app/pkg/backoff"
)

// pendingQueue is the bounded in-memory deque of audit records awaiting
// durable persistence. On overflow the oldest records are shed: the audit
// trail is best-effort metadata, the counter remains the source of truth.
type pendingQueue struct {
	mu    sync.Mutex
	items []PendingAllocation
	max   int
}

func newPendingQueue(max int) *pendingQueue {
	return &pendingQueue{max: max}
}

// Push appends a record, shedding from the front when full. Returns the
// number of records dropped.
func (q *pendingQueue) Push(rec PendingAllocation) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped++
	}
	q.items = append(q.items, rec)
	return dropped
}

// Drain removes and returns up to n records from the front.
func (q *pendingQueue) Drain(n int) []PendingAllocation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]PendingAllocation, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// Requeue puts a failed batch back at the front if capacity allows.
// Returns false when the batch was discarded.
func (q *pendingQueue) Requeue(batch []PendingAllocation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items)+len(batch) > q.max {
		return false
	}
	q.items = append(append([]PendingAllocation{}, batch...), q.items...)
	return true
}

func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OldestAge returns how long the front record has been waiting.
func (q *pendingQueue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0
	}
	return time.Since(q.items[0].AllocatedAt)
}

// startSyncWorker launches the background drain of the pending deque into
// the relational audit table.
func (s *Service) startSyncWorker() {
	s.wg.Add(1)
	go s.runSyncWorker()
}

func (s *Service) runSyncWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	streak := backoff.ErrorStreak{
		Base:      time.Second,
		Cap:       30 * time.Second,
		ResetAt:   10,
		LongPause: 60 * time.Second,
	}

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
		}

		threshold := s.flushThreshold()
		if !s.shouldFlush(threshold) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.flushPending(ctx, threshold)
		cancel()

		if err != nil {
			s.metrics.SyncFailures.Add(1)
			pause := streak.Failure()
			rlog.Error("audit sync failed", "err", err, "consecutive", streak.Count(), "pause", pause)
			select {
			case <-s.stopChan:
				return
			case <-time.After(pause):
			}
			continue
		}
		streak.Success()
	}
}

// flushThreshold picks the batch trigger from the sampled request rate.
func (s *Service) flushThreshold() int {
	rps := s.rps.Rate()
	switch {
	case rps > s.config.HighLoadAtRPS:
		return s.config.HighLoadBatch
	case rps >= s.config.AdaptiveAtRPS:
		return s.config.AdaptiveBatch
	default:
		return s.config.NormalBatch
	}
}

// shouldFlush applies the load-adaptive policy: threshold reached, oldest
// record too old, or buffer pressure.
func (s *Service) shouldFlush(threshold int) bool {
	n := s.pending.Len()
	if n == 0 {
		return false
	}
	if n >= threshold {
		return true
	}
	if n > s.config.PressureLevel {
		return true
	}
	return s.pending.OldestAge() > s.config.MaxRecordAge
}

// flushPending drains up to batch records and inserts them with retries.
// A batch that fails all retries is re-queued when capacity allows.
func (s *Service) flushPending(ctx context.Context, batch int) error {
	records := s.pending.Drain(batch)
	if len(records) == 0 {
		return nil
	}

	policy := backoff.Policy{Base: 100 * time.Millisecond, Factor: 2, Jitter: 0.2}

	var err error
	for attempt := 0; attempt <= s.config.InsertRetries; attempt++ {
		if attempt > 0 {
			if serr := policy.Sleep(ctx, attempt); serr != nil {
				err = serr
				break
			}
		}
		if err = s.store.InsertBatch(ctx, records); err == nil {
			s.metrics.SyncedRecords.Add(int64(len(records)))
			return nil
		}
	}

	if !s.pending.Requeue(records) {
		s.metrics.DroppedRecords.Add(int64(len(records)))
		rlog.Error("audit batch discarded after failed requeue", "count", len(records))
	}
	return err
}
