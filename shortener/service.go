// Package shortener implements the URL shortening data plane: create,
// lookup, statistics, redirect, and click tracking.
//
// Design Choices:
//   - The lookup path is stampede-protected twice: an in-process
//     singleflight group coalesces concurrent misses inside one instance,
//     and a short-TTL distributed lock collapses them across instances.
//   - Short codes come from a per-process ID block refilled from the
//     allocator service; generating a code is a local increment except on
//     block exhaustion.
//   - Clicks never touch the OLTP store on the request path: the cache
//     counter absorbs the burst and one event per click goes to the durable
//     queue, downgrading to the fallback stream when the publish fails.
//   - External systems sit behind narrow interfaces so tests inject mocks;
//     initService wires the concrete cache, store, topic, and allocator.
package shortener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/storage/sqldb"
	"golang.org/x/sync/singleflight"

	"encore.app/pkg/models"
	"encore.app/pkg/urlcache"
)

var db = sqldb.NewDatabase("urls", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// Store is the OLTP surface the service depends on.
type Store interface {
	Insert(ctx context.Context, shortCode, originalURL string) (*models.URLRecord, error)
	GetByCode(ctx context.Context, shortCode string) (*models.URLRecord, error)
	AddClicks(ctx context.Context, shortCode string, delta int64) error
	Ping(ctx context.Context) error
}

// CacheReader is the replica-side handle: lookup-cache reads only.
type CacheReader interface {
	GetURL(ctx context.Context, code string) (models.CachedURLPayload, bool, error)
}

// CacheWriter is the master-side handle: mutations, counters, locks, and
// the fallback stream.
type CacheWriter interface {
	SetURL(ctx context.Context, code string, payload models.CachedURLPayload) error
	DeleteURL(ctx context.Context, code string) error
	IncrClickBuffer(ctx context.Context, code string) (int64, error)
	GetClickBuffer(ctx context.Context, code string) (int64, error)
	DeleteClickBuffer(ctx context.Context, code string) error
	AcquireURLLock(ctx context.Context, code string) (token string, acquired bool, err error)
	ReleaseURLLock(ctx context.Context, code, token string) error
	AcquireFlushLock(ctx context.Context, code string) (token string, acquired bool, err error)
	ReleaseFlushLock(ctx context.Context, code, token string) error
	AppendStream(ctx context.Context, stream string, ev models.ClickEvent) error
	Ping(ctx context.Context) error
}

// Publisher publishes click events to the durable queue.
type Publisher interface {
	Publish(ctx context.Context, ev *models.ClickEvent) error
}

// RangeAllocator reserves ID ranges for code generation.
type RangeAllocator interface {
	Allocate(ctx context.Context, size int64) (start, end int64, err error)
}

// Config holds runtime configuration for the shortener.
type Config struct {
	BaseURL         string        `json:"base_url"`
	ShortCodeLength int           `json:"short_code_length"` // minimum padded code width
	BlockSize       int64         `json:"block_size"`        // allocator refill size
	LockRetryCount  int           `json:"lock_retry_count"`  // reader re-reads while another holder fills
	LockRetryDelay  time.Duration `json:"lock_retry_delay"`
	StreamName      string        `json:"stream_name"` // fallback click stream
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		ShortCodeLength: 8,
		BlockSize:       1000,
		LockRetryCount:  3,
		LockRetryDelay:  50 * time.Millisecond,
		StreamName:      "click_events",
	}
}

// opStats tracks one operation's outcome counters and duration.
type opStats struct {
	Success         atomic.Int64
	ValidationError atomic.Int64
	NotFound        atomic.Int64
	Error           atomic.Int64
	Count           atomic.Int64
	DurationMs      atomic.Int64
}

func (o *opStats) observe(began time.Time, outcome *atomic.Int64) {
	o.Count.Add(1)
	o.DurationMs.Add(time.Since(began).Milliseconds())
	outcome.Add(1)
}

// Metrics tracks shortener performance counters.
type Metrics struct {
	Create opStats
	Lookup opStats
	Stats  opStats
	Click  opStats

	CacheHits      atomic.Int64
	CacheMisses    atomic.Int64
	QueueFallbacks atomic.Int64
	ClickDrops     atomic.Int64
}

// idBlock is the per-process allocator block [next, end]; it is exhausted
// when next > end.
type idBlock struct {
	mu   sync.Mutex
	next int64
	end  int64
}

// Service is the URL shortening service.
//
//encore:service
type Service struct {
	config    Config
	store     Store
	reader    CacheReader
	writer    CacheWriter
	queue     Publisher
	allocator RangeAllocator
	metrics   *Metrics

	block  idBlock
	inproc singleflight.Group
}

var svc *Service

func initService() (*Service, error) {
	clients := urlcache.New()
	s := newService(
		DefaultConfig(),
		&sqlStore{db: db},
		clients.Reader(),
		clients.Writer(),
		&topicPublisher{},
		&allocatorClient{},
	)
	svc = s
	return s, nil
}

// newService wires a shortener from its dependencies. Used by initService
// and by tests with mocks.
func newService(cfg Config, store Store, reader CacheReader, writer CacheWriter, queue Publisher, alloc RangeAllocator) *Service {
	s := &Service{
		config:    cfg,
		store:     store,
		reader:    reader,
		writer:    writer,
		queue:     queue,
		allocator: alloc,
		metrics:   &Metrics{},
	}
	s.block.next, s.block.end = 1, 0 // exhausted; first draw refills
	return s
}

// nextID draws one ID from the local block, refilling from the allocator
// when exhausted. The refill is the only suspension point.
func (s *Service) nextID(ctx context.Context) (int64, error) {
	s.block.mu.Lock()
	defer s.block.mu.Unlock()

	if s.block.next > s.block.end {
		start, end, err := s.allocator.Allocate(ctx, s.config.BlockSize)
		if err != nil {
			return 0, err
		}
		s.block.next, s.block.end = start, end
	}

	id := s.block.next
	s.block.next++
	return id, nil
}

// checkHealth probes the OLTP store and the cache.
func (s *Service) checkHealth(ctx context.Context) (database, cache models.ComponentStatus) {
	database, cache = models.ComponentHealthy, models.ComponentHealthy
	if err := s.store.Ping(ctx); err != nil {
		database = models.ComponentUnhealthy
	}
	if err := s.writer.Ping(ctx); err != nil {
		cache = models.ComponentUnhealthy
	}
	return database, cache
}
