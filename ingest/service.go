// Package ingest drains click events from the durable queue and the
// fallback stream, aggregates them per short code, and commits batched
// updates to the OLTP store and the analytics table.
//
// Design Choices:
//   - The queue subscription feeds an in-memory aggregation map and mirrors
//     every delta into per-consumer spill counters in the cache, so a
//     crashed consumer's pending aggregate stays visible there. Nothing in
//     this service reads the spill back: each process starts under a new
//     random consumer name.
//   - A background flusher commits on an interval; the aggregation map is
//     bounded by the batch size and overflow forces an immediate flush.
//   - Per-code monotonicity of persisted clicks follows from the additive
//     clicks = clicks + delta update; flush ordering across codes is not
//     guaranteed and not needed.
//   - Delivery is at-least-once end to end. A crash between the OLTP commit
//     and stream acknowledgment can replay deltas; that amplification is
//     accepted.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	"encore.app/pkg/models"
	"encore.app/pkg/urlcache"
	"encore.app/shortener"
)

var urlsDB = sqldb.Named("urls")

var analyticsDB = sqldb.NewDatabase("analytics", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// URLStore applies aggregated click deltas to the OLTP store.
type URLStore interface {
	ApplyClickDeltas(ctx context.Context, deltas map[string]int64) error
}

// Analytics receives one row per flushed code.
type Analytics interface {
	InsertClickEvents(ctx context.Context, rows []ClickRow) error
}

// CacheWriter is the cache surface the consumer needs: buffer decrements,
// lookup invalidation, the spill hash, and the fallback stream.
type CacheWriter interface {
	DecrClickBuffer(ctx context.Context, code string, delta int64) error
	DeleteURL(ctx context.Context, code string) error
	IncrAgg(ctx context.Context, consumer, code string, delta int64) error
	DeleteAgg(ctx context.Context, consumer string, codes []string) error
	PopStream(ctx context.Context, stream string) (models.ClickEvent, bool, error)
}

// ClickRow is one analytics row.
type ClickRow struct {
	ShortCode string
	Delta     int64
	EventTime time.Time
}

// Config holds runtime configuration for the consumer.
type Config struct {
	BatchSize     int           `json:"batch_size"`     // aggregation bound; overflow forces a flush
	FlushInterval time.Duration `json:"flush_interval"` // scheduled flush cadence
	StreamName    string        `json:"stream_name"`    // fallback click stream
	DrainLimit    int           `json:"drain_limit"`    // fallback entries drained per cycle
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		StreamName:    "click_events",
		DrainLimit:    500,
	}
}

// Metrics tracks consumer throughput.
type Metrics struct {
	QueueEvents   atomic.Int64
	StreamEvents  atomic.Int64
	InvalidEvents atomic.Int64
	Flushes       atomic.Int64
	FlushedDeltas atomic.Int64
	FlushFailures atomic.Int64
	AnalyticsRows atomic.Int64
}

// Service is the click ingestion consumer.
//
//encore:service
type Service struct {
	consumer string
	store    URLStore
	cache    CacheWriter
	sink     Analytics
	metrics  *Metrics

	// mu guards the aggregation map and the runtime-tunable config.
	mu     sync.Mutex
	agg    map[string]int64
	config Config

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var svc *Service

func initService() (*Service, error) {
	clients := urlcache.New()
	s := newService(
		DefaultConfig(),
		&sqlURLStore{db: urlsDB},
		clients.Writer(),
		&sqlAnalytics{db: analyticsDB},
	)
	s.startFlusher()
	svc = s
	return s, nil
}

// newService wires a consumer from its dependencies. Used by initService
// and by tests with mocks.
func newService(cfg Config, store URLStore, cache CacheWriter, sink Analytics) *Service {
	return &Service{
		config:   cfg,
		consumer: "ingestion-" + uuid.NewString()[:8],
		store:    store,
		cache:    cache,
		sink:     sink,
		metrics:  &Metrics{},
		agg:      make(map[string]int64),
		stopChan: make(chan struct{}),
	}
}

// cfg snapshots the current configuration.
func (s *Service) cfg() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// UpdateConfig applies the runtime-tunable batching subset. Zero-valued
// request fields leave their settings unchanged.
func (s *Service) UpdateConfig(req *UpdateConfigRequest) Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.BatchSize != nil && *req.BatchSize > 0 {
		s.config.BatchSize = *req.BatchSize
	}
	if req.FlushIntervalSeconds != nil && *req.FlushIntervalSeconds > 0 {
		s.config.FlushInterval = time.Duration(*req.FlushIntervalSeconds) * time.Second
	}
	if req.DrainLimit != nil && *req.DrainLimit > 0 {
		s.config.DrainLimit = *req.DrainLimit
	}

	return s.config
}

// Subscription delivering queue events into the consumer group.
var _ = pubsub.NewSubscription(shortener.Clicks, "click-ingestion",
	pubsub.SubscriptionConfig[*models.ClickEvent]{
		Handler: handleClick,
	},
)

func handleClick(ctx context.Context, ev *models.ClickEvent) error {
	if svc == nil {
		return fmt.Errorf("service not initialized")
	}
	return svc.handleClick(ctx, ev)
}

// Shutdown flushes any pending aggregate and stops the flusher.
func (s *Service) Shutdown(force context.Context) {
	close(s.stopChan)
	s.wg.Wait()

	if err := s.flush(force); err != nil {
		rlog.Error("final ingestion flush failed", "err", err)
	}
}
