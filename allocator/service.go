// Package allocator implements distributed, collision-free ID range
// allocation with a multi-tier fallback chain.
//
// Design Choices:
//   - Primary path: a logically-single counter in the cache, mutated only
//     under the distributed allocation lock. Strictly disjoint ranges follow
//     from lock serialization.
//   - Secondary path: an atomic increment-by-size on the fallback cluster's
//     mirrored counter (no lock needed; INCRBY is atomic).
//   - Tertiary path: a PostgreSQL sequence whose increment equals the
//     maximum block size, so (nextval-size+1, nextval) ranges stay disjoint
//     for any size up to that bound.
//   - Allocation audit records are fast-persisted to an in-cache map and a
//     bounded in-memory deque; a background worker drains the deque into
//     the relational audit table with load-adaptive batching. The audit is
//     best-effort metadata — overflow sheds records, never IDs.
//
// Performance Characteristics:
//   - Callers cache a (next, end) block per process; refill is one network
//     round trip per BlockSize allocations.
//   - The sync worker batches inserts and uses ON CONFLICT DO NOTHING, so
//     retried batches are idempotent.
package allocator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
	"encore.app/pkg/urlcache"
)

var db = sqldb.NewDatabase("allocator", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// CacheBackend is the cache surface the allocator depends on.
type CacheBackend interface {
	PrimaryHealthy(ctx context.Context) bool
	AcquireLock(ctx context.Context) (token string, acquired bool, err error)
	ReleaseLock(ctx context.Context, token string) error
	GetCounter(ctx context.Context) (value int64, ok bool, err error)
	SetCounter(ctx context.Context, value int64) error
	PutAuditRecord(ctx context.Context, start, end, size, unix int64) error
	SecondaryAllocate(ctx context.Context, size, seed int64) (start, end int64, err error)
}

// AuditStore is the relational surface: the durable audit table and the
// sequence fallback.
type AuditStore interface {
	InsertBatch(ctx context.Context, records []PendingAllocation) error
	MaxEndID(ctx context.Context) (int64, bool, error)
	NextSequenceRange(ctx context.Context, size int64) (start, end int64, err error)
	Ping(ctx context.Context) error
}

// PendingAllocation is one allocation awaiting durable audit persistence.
type PendingAllocation struct {
	Start       int64     `json:"start"`
	End         int64     `json:"end"`
	Size        int64     `json:"size"`
	Source      string    `json:"source"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Allocation sources.
const (
	SourceRedisSentinel  = "redis_sentinel"
	SourceRedisSecondary = "redis_secondary"
	SourcePostgreSQL     = "postgresql"
)

// Config holds runtime configuration for the allocator.
type Config struct {
	CounterBase   int64         `json:"counter_base"`     // lazy counter seed, avoids legacy collisions
	MaxBlock      int64         `json:"max_block"`        // upper bound on a single range request
	LockTimeout   time.Duration `json:"lock_timeout"`     // allocation lock TTL budget
	LockRetries   int           `json:"lock_retries"`     // acquisition attempts before failing fast
	MaxPending    int           `json:"max_pending"`      // pending deque capacity
	PressureLevel int           `json:"pressure_level"`   // deque length that forces a flush
	MaxRecordAge  time.Duration `json:"max_record_age"`   // oldest pending record before age-based flush
	SyncInterval  time.Duration `json:"sync_interval"`    // worker wake-up cadence
	InsertRetries int           `json:"insert_retries"`   // audit batch insert retries
	NormalBatch   int           `json:"normal_batch"`     // flush threshold under 1k req/s
	AdaptiveBatch int           `json:"adaptive_batch"`   // flush threshold between 1k and 5k req/s
	HighLoadBatch int           `json:"high_load_batch"`  // flush threshold above 5k req/s
	AdaptiveAtRPS float64       `json:"adaptive_at_rps"`  // lower bound of the adaptive band
	HighLoadAtRPS float64       `json:"high_load_at_rps"` // lower bound of the high-load band
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CounterBase:   1_000_000,
		MaxBlock:      10_000,
		LockTimeout:   10 * time.Second,
		LockRetries:   5,
		MaxPending:    1000,
		PressureLevel: 800,
		MaxRecordAge:  60 * time.Second,
		SyncInterval:  time.Second,
		InsertRetries: 3,
		NormalBatch:   1000,
		AdaptiveBatch: 500,
		HighLoadBatch: 100,
		AdaptiveAtRPS: 1000,
		HighLoadAtRPS: 5000,
	}
}

// Metrics tracks allocation operations.
type Metrics struct {
	TotalAllocations     atomic.Int64
	RedisAllocations     atomic.Int64
	SecondaryAllocations atomic.Int64
	PostgresAllocations  atomic.Int64
	FailedAllocations    atomic.Int64
	LockContention       atomic.Int64
	SyncedRecords        atomic.Int64
	DroppedRecords       atomic.Int64
	SyncFailures         atomic.Int64
	TotalDurationMs      atomic.Int64
}

// Service is the ID allocation service.
//
//encore:service
type Service struct {
	config  Config
	cache   CacheBackend
	store   AuditStore
	pending *pendingQueue
	rps     *rateSampler
	metrics *Metrics

	restoreOnce sync.Once
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

var svc *Service

func initService() (*Service, error) {
	s := newService(DefaultConfig(), urlcache.NewAllocatorClient(), &sqlAuditStore{db: db})

	// Best-effort counter restoration; allocation restores lazily too.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.restoreCounter(ctx); err != nil {
		rlog.Error("counter restoration failed, will retry lazily", "err", err)
	}

	s.startSyncWorker()
	svc = s
	return s, nil
}

// newService wires an allocator from its dependencies. Used by initService
// and by tests with mock backends.
func newService(cfg Config, cache CacheBackend, store AuditStore) *Service {
	return &Service{
		config:   cfg,
		cache:    cache,
		store:    store,
		pending:  newPendingQueue(cfg.MaxPending),
		rps:      newRateSampler(10 * time.Second),
		metrics:  &Metrics{},
		stopChan: make(chan struct{}),
	}
}

// Health evaluates the tier availability: healthy iff the primary cache is
// reachable, degraded iff only the relational path is, failed otherwise.
func (s *Service) health(ctx context.Context) models.Health {
	if s.cache.PrimaryHealthy(ctx) {
		return models.Healthy
	}
	if err := s.store.Ping(ctx); err == nil {
		return models.Degraded
	}
	return models.Failed
}

// Shutdown drains the pending deque and stops the sync worker.
func (s *Service) Shutdown(force context.Context) {
	close(s.stopChan)
	s.wg.Wait()

	if s.pending.Len() > 0 {
		if err := s.flushPending(force, s.pending.Len()); err != nil {
			rlog.Error("final audit drain failed", "err", err, "pending", s.pending.Len())
		}
	}
}
