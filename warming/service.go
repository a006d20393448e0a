// Package warming repopulates the lookup cache ahead of demand so hot
// redirects stay cache-resident across TTL expiry and flush invalidation.
//
// Design Philosophy:
//   - Warm the records most likely to be read next: the top-N most clicked,
//     optionally broadened by a uniform random sample.
//   - Protect the origin store: every scan passes a rate limiter, and a
//     failed cycle backs off before retrying.
//   - Optional extensions: reserving allocator ranges ahead of time (the
//     IDs are not passed on to the shortener), running extra cycles until
//     the cumulative warmed-entry count reaches a target, and reacting to a
//     sampled cache hit rate below threshold.
package warming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"golang.org/x/time/rate"

	"encore.app/pkg/models"
	"encore.app/pkg/urlcache"
)

var urlsDB = sqldb.Named("urls")

// Source provides the records worth warming.
type Source interface {
	TopClicked(ctx context.Context, n int) ([]*models.URLRecord, error)
	RandomSample(ctx context.Context, n int) ([]*models.URLRecord, error)
}

// CacheWriter writes warmed entries.
type CacheWriter interface {
	SetURL(ctx context.Context, code string, payload models.CachedURLPayload) error
}

// RangeAllocator reserves ID ranges for pre-generation.
type RangeAllocator interface {
	Allocate(ctx context.Context, size int64) (start, end int64, err error)
}

// HitRateSource samples the shortener's lookup-cache hit rate.
// ok is false when no traffic has been observed yet.
type HitRateSource interface {
	HitRate(ctx context.Context) (rate float64, ok bool, err error)
}

// Config holds runtime configuration for the warmer.
type Config struct {
	Interval     time.Duration `json:"interval"`       // cycle cadence
	TopN         int           `json:"top_n"`          // most-clicked records per cycle
	RetryBackoff time.Duration `json:"retry_backoff"`  // pause after a failed cycle
	MaxOriginRPS int           `json:"max_origin_rps"` // store scan rate limit

	// Optional extensions; zero values disable each.
	Pregenerate      int     `json:"pregenerate,omitempty"`        // allocator IDs to reserve per cycle
	RandomSample     int     `json:"random_sample,omitempty"`      // extra random records per cycle
	TargetKeys       int     `json:"target_keys,omitempty"`        // keep warming until this many keys written
	HitRateThreshold float64 `json:"hit_rate_threshold,omitempty"` // extra cycle below this hit rate (percent)
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		TopN:         5000,
		RetryBackoff: 2 * time.Second,
		MaxOriginRPS: 100,
	}
}

// Metrics tracks warmer performance.
type Metrics struct {
	Cycles        atomic.Int64
	FailedCycles  atomic.Int64
	WarmedEntries atomic.Int64
	Pregenerated  atomic.Int64
	ExtraCycles   atomic.Int64
}

// Service is the cache warmer.
//
//encore:service
type Service struct {
	source    Source
	cache     CacheWriter
	allocator RangeAllocator
	hits      HitRateSource
	metrics   *Metrics

	// mu guards config and limiter against runtime tuning via UpdateConfig.
	mu      sync.RWMutex
	config  Config
	limiter *rate.Limiter

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var svc *Service

func initService() (*Service, error) {
	clients := urlcache.New()
	s := newService(
		DefaultConfig(),
		&sqlSource{db: urlsDB},
		clients.Writer(),
		&allocatorClient{},
		&shortenerHitRate{},
	)
	s.start()
	svc = s
	return s, nil
}

// newService wires a warmer from its dependencies. Used by initService and
// by tests with mocks.
func newService(cfg Config, source Source, cache CacheWriter, alloc RangeAllocator, hits HitRateSource) *Service {
	return &Service{
		config:    cfg,
		source:    source,
		cache:     cache,
		allocator: alloc,
		hits:      hits,
		metrics:   &Metrics{},
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxOriginRPS), cfg.MaxOriginRPS),
		stopChan:  make(chan struct{}),
	}
}

// cfg snapshots the current configuration.
func (s *Service) cfg() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// originLimiter returns the current store-scan limiter.
func (s *Service) originLimiter() *rate.Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiter
}

// UpdateConfig applies a runtime-tunable subset of the configuration.
// Nil request fields leave their settings unchanged. Non-positive interval,
// top-N and rate values are ignored; an extension option set to zero is
// applied and disables that extension.
func (s *Service) UpdateConfig(req *UpdateConfigRequest) Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IntervalSeconds != nil && *req.IntervalSeconds > 0 {
		s.config.Interval = time.Duration(*req.IntervalSeconds) * time.Second
	}
	if req.TopN != nil && *req.TopN > 0 {
		s.config.TopN = *req.TopN
	}
	if req.MaxOriginRPS != nil && *req.MaxOriginRPS > 0 {
		s.config.MaxOriginRPS = *req.MaxOriginRPS
		s.limiter = rate.NewLimiter(rate.Limit(*req.MaxOriginRPS), *req.MaxOriginRPS)
	}
	if req.Pregenerate != nil && *req.Pregenerate >= 0 {
		s.config.Pregenerate = *req.Pregenerate
	}
	if req.RandomSample != nil && *req.RandomSample >= 0 {
		s.config.RandomSample = *req.RandomSample
	}
	if req.TargetKeys != nil && *req.TargetKeys >= 0 {
		s.config.TargetKeys = *req.TargetKeys
	}
	if req.HitRateThreshold != nil && *req.HitRateThreshold >= 0 {
		s.config.HitRateThreshold = *req.HitRateThreshold
	}

	return s.config
}

func (s *Service) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Service) run() {
	defer s.wg.Done()

	// A plain timer rather than a ticker so interval updates take effect
	// on the next cycle.
	for {
		cfg := s.cfg()
		select {
		case <-s.stopChan:
			return
		case <-time.After(cfg.Interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		err := s.Tick(ctx)
		cancel()

		if err != nil {
			s.metrics.FailedCycles.Add(1)
			rlog.Error("warm cycle failed, backing off", "err", err)
			select {
			case <-s.stopChan:
				return
			case <-time.After(cfg.RetryBackoff):
			}
		}
	}
}

// Shutdown stops the warming loop.
func (s *Service) Shutdown(force context.Context) {
	close(s.stopChan)
	s.wg.Wait()
}
