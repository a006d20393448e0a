package allocator

import (
	"context"
	"time"

	"encore.dev/beta/errs"

	"encore.app/pkg/models"
)

// Request and response types for API endpoints.

type AllocateRequest struct {
	Size int64 `json:"size"`
}

type AllocateResponse struct {
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Source string `json:"source"`
}

type HealthResponse struct {
	Status models.Health `json:"status"`
}

type StatusResponse struct {
	Health        models.Health `json:"health"`
	PendingAudits int           `json:"pending_audits"`
	RequestRate   float64       `json:"request_rate"`
	Config        Config        `json:"config"`
}

type MetricsResponse struct {
	TotalAllocations     int64   `json:"total_allocations"`
	RedisAllocations     int64   `json:"redis_allocations"`
	SecondaryAllocations int64   `json:"secondary_allocations"`
	PostgresAllocations  int64   `json:"postgres_allocations"`
	FailedAllocations    int64   `json:"failed_allocations"`
	LockContention       int64   `json:"lock_contention"`
	SyncedRecords        int64   `json:"synced_records"`
	DroppedRecords       int64   `json:"dropped_records"`
	SyncFailures         int64   `json:"sync_failures"`
	AvgAllocationMs      float64 `json:"avg_allocation_ms"`
}

// Allocate reserves a unique ID range for the caller.
//
//encore:api public method=POST path=/allocate
func Allocate(ctx context.Context, req *AllocateRequest) (*AllocateResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	start, end, source, err := svc.AllocateRange(ctx, req.Size)
	if err != nil {
		return nil, err
	}
	return &AllocateResponse{Start: start, End: end, Source: source}, nil
}

// Health reports the tiered availability of the allocator backends.
//
//encore:api public method=GET path=/allocator/health
func Health(ctx context.Context) (*HealthResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return &HealthResponse{Status: svc.health(ctx)}, nil
}

// Status reports health plus sync-worker state.
//
//encore:api public method=GET path=/allocator/status
func Status(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return &StatusResponse{
		Health:        svc.health(ctx),
		PendingAudits: svc.pending.Len(),
		RequestRate:   svc.rps.Rate(),
		Config:        svc.config,
	}, nil
}

// Metrics reports allocation counters.
//
//encore:api public method=GET path=/allocator/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}

	total := svc.metrics.TotalAllocations.Load()
	avg := 0.0
	if total > 0 {
		avg = float64(svc.metrics.TotalDurationMs.Load()) / float64(total)
	}

	return &MetricsResponse{
		TotalAllocations:     total,
		RedisAllocations:     svc.metrics.RedisAllocations.Load(),
		SecondaryAllocations: svc.metrics.SecondaryAllocations.Load(),
		PostgresAllocations:  svc.metrics.PostgresAllocations.Load(),
		FailedAllocations:    svc.metrics.FailedAllocations.Load(),
		LockContention:       svc.metrics.LockContention.Load(),
		SyncedRecords:        svc.metrics.SyncedRecords.Load(),
		DroppedRecords:       svc.metrics.DroppedRecords.Load(),
		SyncFailures:         svc.metrics.SyncFailures.Load(),
		AvgAllocationMs:      avg,
	}, nil
}
