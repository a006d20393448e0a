package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/models"
)

// mockURLStore records applied deltas per code.
type mockURLStore struct {
	mu      sync.Mutex
	applied map[string]int64
	batches int
	err     error
}

func newMockURLStore() *mockURLStore {
	return &mockURLStore{applied: make(map[string]int64)}
}

func (m *mockURLStore) ApplyClickDeltas(ctx context.Context, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches++
	for code, delta := range deltas {
		m.applied[code] += delta
	}
	return nil
}

func (m *mockURLStore) Applied(code string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[code]
}

// mockCache tracks buffers, lookup entries, spill counters and the stream.
type mockCache struct {
	mu      sync.Mutex
	buffers map[string]int64
	urls    map[string]bool
	spill   map[string]int64 // consumer/code -> delta
	stream  []models.ClickEvent
}

func newMockCache() *mockCache {
	return &mockCache{
		buffers: make(map[string]int64),
		urls:    make(map[string]bool),
		spill:   make(map[string]int64),
	}
}

func (m *mockCache) DecrClickBuffer(ctx context.Context, code string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[code] -= delta
	return nil
}

func (m *mockCache) DeleteURL(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.urls, code)
	return nil
}

func (m *mockCache) IncrAgg(ctx context.Context, consumer, code string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spill[consumer+"/"+code] += delta
	return nil
}

func (m *mockCache) DeleteAgg(ctx context.Context, consumer string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		delete(m.spill, consumer+"/"+code)
	}
	return nil
}

func (m *mockCache) PopStream(ctx context.Context, stream string) (models.ClickEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stream) == 0 {
		return models.ClickEvent{}, false, nil
	}
	ev := m.stream[0]
	m.stream = m.stream[1:]
	return ev, true, nil
}

func (m *mockCache) pushStream(ev models.ClickEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = append(m.stream, ev)
}

func (m *mockCache) spillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spill)
}

// mockAnalytics records inserted rows.
type mockAnalytics struct {
	mu   sync.Mutex
	rows []ClickRow
}

func (m *mockAnalytics) InsertClickEvents(ctx context.Context, rows []ClickRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *mockAnalytics) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func newTestService() (*Service, *mockURLStore, *mockCache, *mockAnalytics) {
	store := newMockURLStore()
	cache := newMockCache()
	sink := &mockAnalytics{}
	s := newService(DefaultConfig(), store, cache, sink)
	return s, store, cache, sink
}

func TestHandleClickAggregates(t *testing.T) {
	s, _, cache, _ := newTestService()

	for i := 0; i < 3; i++ {
		if err := s.handleClick(context.Background(), &models.ClickEvent{ShortCode: "abc", Delta: 1}); err != nil {
			t.Fatalf("handleClick returned error: %v", err)
		}
	}
	if err := s.handleClick(context.Background(), &models.ClickEvent{ShortCode: "xyz", Delta: 2}); err != nil {
		t.Fatalf("handleClick returned error: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agg["abc"] != 3 || s.agg["xyz"] != 2 {
		t.Errorf("aggregate = %v, want abc:3 xyz:2", s.agg)
	}
	if cache.spillCount() != 2 {
		t.Errorf("spill counters = %d, want 2", cache.spillCount())
	}
}

func TestHandleClickDropsInvalid(t *testing.T) {
	s, _, _, _ := newTestService()

	if err := s.handleClick(context.Background(), &models.ClickEvent{ShortCode: "", Delta: 1}); err != nil {
		t.Errorf("invalid event returned error %v, want acknowledged drop", err)
	}
	if err := s.handleClick(context.Background(), &models.ClickEvent{ShortCode: "abc", Delta: 0}); err != nil {
		t.Errorf("zero-delta event returned error %v, want acknowledged drop", err)
	}
	if s.metrics.InvalidEvents.Load() != 2 {
		t.Errorf("invalid events = %d, want 2", s.metrics.InvalidEvents.Load())
	}
}

func TestFlushCommitsAndInvalidates(t *testing.T) {
	s, store, cache, sink := newTestService()

	cache.buffers["abc"] = 5
	cache.urls["abc"] = true

	for i := 0; i < 5; i++ {
		s.handleClick(context.Background(), &models.ClickEvent{ShortCode: "abc", Delta: 1})
	}

	if err := s.flush(context.Background()); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if got := store.Applied("abc"); got != 5 {
		t.Errorf("applied deltas = %d, want 5", got)
	}

	cache.mu.Lock()
	buffer := cache.buffers["abc"]
	_, cached := cache.urls["abc"]
	cache.mu.Unlock()
	if buffer != 0 {
		t.Errorf("buffer after flush = %d, want decremented to 0", buffer)
	}
	if cached {
		t.Error("lookup cache entry survived the flush")
	}
	if sink.rowCount() != 1 {
		t.Errorf("analytics rows = %d, want 1 per flushed code", sink.rowCount())
	}
	if cache.spillCount() != 0 {
		t.Errorf("spill counters after flush = %d, want 0", cache.spillCount())
	}
}

func TestFlushEmptyAggregateIsNoop(t *testing.T) {
	s, store, _, sink := newTestService()

	if err := s.flush(context.Background()); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}
	if store.batches != 0 {
		t.Errorf("store batches = %d for empty flush, want 0", store.batches)
	}
	if sink.rowCount() != 0 {
		t.Errorf("analytics rows = %d for empty flush, want 0", sink.rowCount())
	}
}

func TestFlushRetainsAggregateOnStoreFailure(t *testing.T) {
	s, store, _, _ := newTestService()
	store.err = errors.New("db down")

	s.handleClick(context.Background(), &models.ClickEvent{ShortCode: "abc", Delta: 1})

	if err := s.flush(context.Background()); err == nil {
		t.Fatal("flush succeeded against a failing store")
	}

	s.mu.Lock()
	retained := s.agg["abc"]
	s.mu.Unlock()
	if retained != 1 {
		t.Errorf("aggregate after failed flush = %d, want retained 1", retained)
	}

	// Next flush succeeds and applies the retained delta once.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	if err := s.flush(context.Background()); err != nil {
		t.Fatalf("retry flush returned error: %v", err)
	}
	if got := store.Applied("abc"); got != 1 {
		t.Errorf("applied after retry = %d, want 1", got)
	}
}

func TestDrainFallbackAggregatesStreamEntries(t *testing.T) {
	s, store, cache, _ := newTestService()

	for i := 0; i < 4; i++ {
		cache.pushStream(models.ClickEvent{ShortCode: "abc", Delta: 1})
	}
	cache.pushStream(models.ClickEvent{ShortCode: "", Delta: 1}) // invalid, dropped

	s.drainFallback(context.Background())

	s.mu.Lock()
	agg := s.agg["abc"]
	s.mu.Unlock()
	if agg != 4 {
		t.Errorf("aggregate from stream = %d, want 4", agg)
	}
	if s.metrics.StreamEvents.Load() != 4 {
		t.Errorf("stream events = %d, want 4", s.metrics.StreamEvents.Load())
	}
	if s.metrics.InvalidEvents.Load() != 1 {
		t.Errorf("invalid events = %d, want 1", s.metrics.InvalidEvents.Load())
	}

	// Entries were acknowledged by the pop: nothing left to drain.
	cache.mu.Lock()
	left := len(cache.stream)
	cache.mu.Unlock()
	if left != 0 {
		t.Errorf("stream entries remaining = %d, want 0", left)
	}

	if err := s.flush(context.Background()); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}
	if got := store.Applied("abc"); got != 4 {
		t.Errorf("applied deltas = %d, want 4", got)
	}
}

func TestUpdateConfigAppliesBatchingSubset(t *testing.T) {
	s, _, _, _ := newTestService()

	batch, flushSecs := 100, 10
	got := s.UpdateConfig(&UpdateConfigRequest{
		BatchSize:            &batch,
		FlushIntervalSeconds: &flushSecs,
	})

	if got.BatchSize != 100 {
		t.Errorf("batch size = %d, want 100", got.BatchSize)
	}
	if got.FlushInterval != 10*time.Second {
		t.Errorf("flush interval = %v, want 10s", got.FlushInterval)
	}
	if got.DrainLimit != DefaultConfig().DrainLimit {
		t.Errorf("drain limit = %d changed by a nil field", got.DrainLimit)
	}

	before := s.cfg()
	if after := s.UpdateConfig(&UpdateConfigRequest{}); after != before {
		t.Errorf("empty update changed config: %+v -> %+v", before, after)
	}
}

func TestOverflowForcesFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	store := newMockURLStore()
	s := newService(cfg, store, newMockCache(), &mockAnalytics{})

	for _, code := range []string{"aaa", "bbb", "ccc"} {
		s.handleClick(context.Background(), &models.ClickEvent{ShortCode: code, Delta: 1})
	}

	if store.batches != 1 {
		t.Errorf("store batches = %d, want overflow-forced 1", store.batches)
	}
	s.mu.Lock()
	pending := len(s.agg)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("aggregate after overflow flush = %d entries, want 0", pending)
	}
}
