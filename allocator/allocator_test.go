package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"encore.dev/beta/errs"
)

// mockCache simulates the cache backend with an in-memory counter and lock.
type mockCache struct {
	mu        sync.Mutex
	healthy   bool
	counter   int64
	counterOK bool
	locked    bool
	lockBusy  bool // force every acquisition attempt to fail
	failOps   bool

	secondary    int64
	secondaryErr error

	auditWrites int
}

func newMockCache() *mockCache {
	return &mockCache{healthy: true}
}

func (m *mockCache) PrimaryHealthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *mockCache) AcquireLock(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOps {
		return "", false, errors.New("cache down")
	}
	if m.lockBusy || m.locked {
		return "", false, nil
	}
	m.locked = true
	return "tok", true, nil
}

func (m *mockCache) ReleaseLock(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	return nil
}

func (m *mockCache) GetCounter(ctx context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOps {
		return 0, false, errors.New("cache down")
	}
	return m.counter, m.counterOK, nil
}

func (m *mockCache) SetCounter(ctx context.Context, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOps {
		return errors.New("cache down")
	}
	m.counter = v
	m.counterOK = true
	return nil
}

func (m *mockCache) PutAuditRecord(ctx context.Context, start, end, size, unix int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditWrites++
	return nil
}

func (m *mockCache) SecondaryAllocate(ctx context.Context, size, seed int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secondaryErr != nil {
		return 0, 0, m.secondaryErr
	}
	if m.secondary < seed {
		m.secondary = seed
	}
	m.secondary += size
	return m.secondary - size + 1, m.secondary, nil
}

// mockStore simulates the relational audit store and sequence.
type mockStore struct {
	mu       sync.Mutex
	inserted []PendingAllocation
	insErr   error
	insFails int // fail this many InsertBatch calls, then succeed

	maxEnd  int64
	hasMax  bool
	seq     int64
	seqErr  error
	pingErr error
}

func (m *mockStore) InsertBatch(ctx context.Context, records []PendingAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insFails > 0 {
		m.insFails--
		return errors.New("insert failed")
	}
	if m.insErr != nil {
		return m.insErr
	}
	m.inserted = append(m.inserted, records...)
	return nil
}

func (m *mockStore) MaxEndID(ctx context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxEnd, m.hasMax, nil
}

func (m *mockStore) NextSequenceRange(ctx context.Context, size int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seqErr != nil {
		return 0, 0, m.seqErr
	}
	if m.seq == 0 {
		m.seq = 1_000_000
	}
	m.seq += 10_000
	return m.seq - size + 1, m.seq, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockRetries = 3
	return cfg
}

func TestAllocateRangeSizeBounds(t *testing.T) {
	s := newService(testConfig(), newMockCache(), &mockStore{})

	for _, size := range []int64{0, -1, s.config.MaxBlock + 1} {
		_, _, _, err := s.AllocateRange(context.Background(), size)
		if errs.Code(err) != errs.InvalidArgument {
			t.Errorf("AllocateRange(%d) error code = %v, want InvalidArgument", size, errs.Code(err))
		}
	}
}

func TestAllocateRangePrimary(t *testing.T) {
	cache := newMockCache()
	s := newService(testConfig(), cache, &mockStore{})

	start, end, source, err := s.AllocateRange(context.Background(), 100)
	if err != nil {
		t.Fatalf("AllocateRange returned error: %v", err)
	}
	if source != SourceRedisSentinel {
		t.Errorf("source = %q, want %q", source, SourceRedisSentinel)
	}
	if start != 1_000_001 || end != 1_000_100 {
		t.Errorf("range = [%d, %d], want [1000001, 1000100]", start, end)
	}

	// Second allocation continues from the stored counter.
	start2, end2, _, err := s.AllocateRange(context.Background(), 50)
	if err != nil {
		t.Fatalf("second AllocateRange returned error: %v", err)
	}
	if start2 != end+1 || end2 != end+50 {
		t.Errorf("second range = [%d, %d], want contiguous after %d", start2, end2, end)
	}
}

func TestAllocateRangeConcurrentDisjoint(t *testing.T) {
	cache := newMockCache()
	cfg := testConfig()
	cfg.LockRetries = 50 // contention in this test is transient
	s := newService(cfg, cache, &mockStore{})

	const callers = 100
	results := make(chan [2]int64, callers)
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start, end, _, err := s.AllocateRange(context.Background(), 1)
			if err != nil {
				t.Errorf("concurrent AllocateRange failed: %v", err)
				return
			}
			results <- [2]int64{start, end}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for r := range results {
		if r[0] != r[1] {
			t.Errorf("size-1 range [%d, %d] is not a single ID", r[0], r[1])
		}
		if seen[r[0]] {
			t.Errorf("ID %d allocated twice", r[0])
		}
		seen[r[0]] = true
	}
	if len(seen) != callers {
		t.Errorf("unique IDs = %d, want %d", len(seen), callers)
	}
}

func TestAllocateRangeSecondaryFallback(t *testing.T) {
	cache := newMockCache()
	cache.healthy = false
	s := newService(testConfig(), cache, &mockStore{})

	start, end, source, err := s.AllocateRange(context.Background(), 10)
	if err != nil {
		t.Fatalf("AllocateRange returned error: %v", err)
	}
	if source != SourceRedisSecondary {
		t.Errorf("source = %q, want %q", source, SourceRedisSecondary)
	}
	if end-start != 9 {
		t.Errorf("range width = %d, want 10 IDs", end-start+1)
	}
}

func TestAllocateRangePostgresFallback(t *testing.T) {
	cache := newMockCache()
	cache.healthy = false
	cache.secondaryErr = errors.New("secondary down")
	s := newService(testConfig(), cache, &mockStore{})

	start, end, source, err := s.AllocateRange(context.Background(), 10)
	if err != nil {
		t.Fatalf("AllocateRange returned error: %v", err)
	}
	if source != SourcePostgreSQL {
		t.Errorf("source = %q, want %q", source, SourcePostgreSQL)
	}
	if end-start+1 != 10 {
		t.Errorf("range width = %d, want 10", end-start+1)
	}
}

func TestAllocateRangeAllBackendsFailed(t *testing.T) {
	cache := newMockCache()
	cache.healthy = false
	cache.secondaryErr = errors.New("secondary down")
	store := &mockStore{seqErr: errors.New("db down")}
	s := newService(testConfig(), cache, store)

	_, _, _, err := s.AllocateRange(context.Background(), 10)
	if errs.Code(err) != errs.Unavailable {
		t.Errorf("error code = %v, want Unavailable", errs.Code(err))
	}
}

func TestAllocateRangeLockContentionFailsFast(t *testing.T) {
	cache := newMockCache()
	cache.lockBusy = true
	s := newService(testConfig(), cache, &mockStore{})

	_, _, _, err := s.AllocateRange(context.Background(), 10)
	if errs.Code(err) != errs.ResourceExhausted {
		t.Errorf("error code = %v, want ResourceExhausted", errs.Code(err))
	}
}

func TestCounterRestoreFromAudit(t *testing.T) {
	cache := newMockCache()
	store := &mockStore{maxEnd: 2_500_000, hasMax: true}
	s := newService(testConfig(), cache, store)

	start, _, _, err := s.AllocateRange(context.Background(), 10)
	if err != nil {
		t.Fatalf("AllocateRange returned error: %v", err)
	}
	if start != 2_500_001 {
		t.Errorf("restored start = %d, want 2500001", start)
	}
}

func TestCounterSeedsBaseWhenAuditEmpty(t *testing.T) {
	s := newService(testConfig(), newMockCache(), &mockStore{})

	if err := s.restoreCounter(context.Background()); err != nil {
		t.Fatalf("restoreCounter returned error: %v", err)
	}
	v, ok, _ := s.cache.GetCounter(context.Background())
	if !ok || v != s.config.CounterBase {
		t.Errorf("seeded counter = (%d, %v), want (%d, true)", v, ok, s.config.CounterBase)
	}
}

func TestHealthTiers(t *testing.T) {
	cache := newMockCache()
	store := &mockStore{}
	s := newService(testConfig(), cache, store)

	if h := s.health(context.Background()); h != "healthy" {
		t.Errorf("health = %q, want healthy", h)
	}

	cache.healthy = false
	if h := s.health(context.Background()); h != "degraded" {
		t.Errorf("health = %q, want degraded", h)
	}

	store.mu.Lock()
	store.pingErr = errors.New("db down")
	store.mu.Unlock()
	if h := s.health(context.Background()); h != "failed" {
		t.Errorf("health = %q, want failed", h)
	}
}

func TestPendingQueueBounds(t *testing.T) {
	q := newPendingQueue(3)

	for i := int64(1); i <= 3; i++ {
		if dropped := q.Push(PendingAllocation{Start: i, AllocatedAt: time.Now()}); dropped != 0 {
			t.Errorf("Push %d dropped %d records from a non-full queue", i, dropped)
		}
	}

	// Overflow sheds the oldest.
	if dropped := q.Push(PendingAllocation{Start: 4, AllocatedAt: time.Now()}); dropped != 1 {
		t.Errorf("overflow Push dropped %d, want 1", dropped)
	}

	batch := q.Drain(10)
	if len(batch) != 3 {
		t.Fatalf("Drain returned %d records, want 3", len(batch))
	}
	if batch[0].Start != 2 {
		t.Errorf("oldest surviving record start = %d, want 2 (record 1 shed)", batch[0].Start)
	}
}

func TestPendingQueueRequeue(t *testing.T) {
	q := newPendingQueue(3)
	q.Push(PendingAllocation{Start: 1})

	batch := q.Drain(1)
	if !q.Requeue(batch) {
		t.Fatal("Requeue refused with free capacity")
	}
	if q.Len() != 1 {
		t.Errorf("Len after requeue = %d, want 1", q.Len())
	}

	q.Push(PendingAllocation{Start: 2})
	q.Push(PendingAllocation{Start: 3})
	if q.Requeue(batch) {
		t.Error("Requeue accepted a batch beyond capacity")
	}
}

func TestFlushPendingRetriesAndRequeues(t *testing.T) {
	cache := newMockCache()
	store := &mockStore{insFails: 1}
	s := newService(testConfig(), cache, store)

	s.pending.Push(PendingAllocation{Start: 1, End: 10, Size: 10, Source: SourceRedisSentinel, AllocatedAt: time.Now()})

	if err := s.flushPending(context.Background(), 100); err != nil {
		t.Fatalf("flushPending returned error despite retry budget: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Errorf("inserted records = %d, want 1", len(store.inserted))
	}

	// Persistent failure re-queues the batch.
	store.mu.Lock()
	store.insErr = errors.New("db down")
	store.mu.Unlock()
	s.pending.Push(PendingAllocation{Start: 11, End: 20, Size: 10, AllocatedAt: time.Now()})

	if err := s.flushPending(context.Background(), 100); err == nil {
		t.Error("flushPending succeeded against a persistently failing store")
	}
	if s.pending.Len() != 1 {
		t.Errorf("pending after failed flush = %d, want requeued 1", s.pending.Len())
	}
}

func TestFlushThresholdAdapts(t *testing.T) {
	s := newService(testConfig(), newMockCache(), &mockStore{})

	if got := s.flushThreshold(); got != s.config.NormalBatch {
		t.Errorf("idle threshold = %d, want %d", got, s.config.NormalBatch)
	}

	// 20k requests inside the 10s window averages 2k req/s: adaptive band.
	for i := 0; i < 20_000; i++ {
		s.rps.Record()
	}
	if got := s.flushThreshold(); got != s.config.AdaptiveBatch {
		t.Errorf("adaptive threshold = %d, want %d", got, s.config.AdaptiveBatch)
	}

	// 60k more pushes the average above 5k req/s: high-load band.
	for i := 0; i < 60_000; i++ {
		s.rps.Record()
	}
	if got := s.flushThreshold(); got != s.config.HighLoadBatch {
		t.Errorf("high-load threshold = %d, want %d", got, s.config.HighLoadBatch)
	}
}

func TestShouldFlushPolicies(t *testing.T) {
	cfg := testConfig()
	cfg.PressureLevel = 5
	s := newService(cfg, newMockCache(), &mockStore{})

	if s.shouldFlush(1000) {
		t.Error("shouldFlush true with empty deque")
	}

	// Age-based trigger.
	s.pending.Push(PendingAllocation{Start: 1, AllocatedAt: time.Now().Add(-2 * time.Minute)})
	if !s.shouldFlush(1000) {
		t.Error("shouldFlush false for a record older than the max age")
	}
	s.pending.Drain(1)

	// Pressure trigger.
	for i := int64(0); i < 7; i++ {
		s.pending.Push(PendingAllocation{Start: i, AllocatedAt: time.Now()})
	}
	if !s.shouldFlush(1000) {
		t.Error("shouldFlush false above the pressure level")
	}
}
