package shortener

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"encore.dev/beta/errs"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
)

// Request and response types for API endpoints.

type ShortenRequest struct {
	URL        string `json:"url"`
	CustomCode string `json:"custom_code,omitempty"`
}

type URLResponse struct {
	ID          int64     `json:"id"`
	ShortCode   string    `json:"short_code"`
	OriginalURL string    `json:"original_url"`
	ShortURL    string    `json:"short_url"`
	Clicks      int64     `json:"clicks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type HealthResponse struct {
	Status   models.ComponentStatus `json:"status"`
	Database models.ComponentStatus `json:"database"`
	Cache    models.ComponentStatus `json:"cache"`
}

type OperationMetrics struct {
	Success         int64   `json:"success"`
	ValidationError int64   `json:"validation_error"`
	NotFound        int64   `json:"not_found"`
	Error           int64   `json:"error"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

type MetricsResponse struct {
	Create         OperationMetrics `json:"create"`
	Lookup         OperationMetrics `json:"lookup"`
	Stats          OperationMetrics `json:"stats"`
	Click          OperationMetrics `json:"click"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	CacheHitRate   float64          `json:"cache_hit_rate"`
	QueueFallbacks int64            `json:"queue_fallbacks"`
	ClickDrops     int64            `json:"click_drops"`
}

// createLimiter protects the create path: bursts of 200, sustained 100/s.
var createLimiter = middleware.NewTokenBucket(100, 200)

// redirectLimiter bounds abusive clients on the redirect hot path.
var redirectLimiter = middleware.NewTokenBucket(500, 1000)

// Shorten creates a short code for a URL.
//
//encore:api public method=POST path=/api/shorten
func Shorten(ctx context.Context, req *ShortenRequest) (*URLResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	if !createLimiter.AllowGlobal() {
		return nil, &errs.Error{Code: errs.ResourceExhausted, Message: "create rate limit exceeded"}
	}

	rec, err := svc.Create(ctx, req.URL, req.CustomCode)
	if err != nil {
		return nil, err
	}
	return svc.urlResponse(rec), nil
}

// Stats returns a URL's statistics including buffered clicks.
//
//encore:api public method=GET path=/api/stats/:code
func Stats(ctx context.Context, code string) (*URLResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}

	rec, err := svc.Statistics(ctx, code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &errs.Error{Code: errs.NotFound, Message: "short code not found"}
	}
	return svc.urlResponse(rec), nil
}

// Redirect resolves a short code and issues a 307 to the original URL.
// Raw so the response is a real redirect, not a JSON envelope; 307
// preserves the request method.
//
//encore:api public raw path=/:code
func Redirect(w http.ResponseWriter, req *http.Request) {
	if svc == nil {
		http.Error(w, "service not initialized", http.StatusServiceUnavailable)
		return
	}

	code := strings.TrimPrefix(req.URL.Path, "/")
	if !redirectLimiter.Allow(clientKey(req)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	rec, err := svc.Lookup(req.Context(), code)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, req)
		return
	}

	svc.TrackClick(req.Context(), code)
	http.Redirect(w, req, rec.OriginalURL, http.StatusTemporaryRedirect)
}

// FlushClicks is the on-demand flush path for a single code's click
// buffer, guarded by the per-code flush lock. Callers that lose the lock
// return without flushing.
//
//encore:api private method=POST path=/api/flush/:code
func FlushClicks(ctx context.Context, code string) error {
	if svc == nil {
		return &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return svc.FlushClickBuffer(ctx, code)
}

// Health reports service and dependency health.
//
//encore:api public method=GET path=/health
func Health(ctx context.Context) (*HealthResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	database, cache := svc.checkHealth(ctx)
	status := models.ComponentHealthy
	if database == models.ComponentUnhealthy || cache == models.ComponentUnhealthy {
		status = models.ComponentUnhealthy
	}
	return &HealthResponse{Status: status, Database: database, Cache: cache}, nil
}

// GetMetrics returns shortener performance counters.
//
//encore:api public method=GET path=/api/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}

	m := svc.metrics
	hits, misses := m.CacheHits.Load(), m.CacheMisses.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return &MetricsResponse{
		Create:         snapshot(&m.Create),
		Lookup:         snapshot(&m.Lookup),
		Stats:          snapshot(&m.Stats),
		Click:          snapshot(&m.Click),
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheHitRate:   hitRate,
		QueueFallbacks: m.QueueFallbacks.Load(),
		ClickDrops:     m.ClickDrops.Load(),
	}, nil
}

func snapshot(o *opStats) OperationMetrics {
	count := o.Count.Load()
	avg := 0.0
	if count > 0 {
		avg = float64(o.DurationMs.Load()) / float64(count)
	}
	return OperationMetrics{
		Success:         o.Success.Load(),
		ValidationError: o.ValidationError.Load(),
		NotFound:        o.NotFound.Load(),
		Error:           o.Error.Load(),
		AvgDurationMs:   avg,
	}
}

func (s *Service) urlResponse(rec *models.URLRecord) *URLResponse {
	return &URLResponse{
		ID:          rec.ID,
		ShortCode:   rec.ShortCode,
		OriginalURL: rec.OriginalURL,
		ShortURL:    s.config.BaseURL + "/" + rec.ShortCode,
		Clicks:      rec.Clicks,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// clientKey extracts the client address for per-client rate limiting.
func clientKey(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
