package ingest

import (
	"context"

	"encore.dev/beta/errs"
)

type StatusResponse struct {
	Consumer      string `json:"consumer"`
	PendingCodes  int    `json:"pending_codes"`
	QueueEvents   int64  `json:"queue_events"`
	StreamEvents  int64  `json:"stream_events"`
	InvalidEvents int64  `json:"invalid_events"`
	Flushes       int64  `json:"flushes"`
	FlushedDeltas int64  `json:"flushed_deltas"`
	FlushFailures int64  `json:"flush_failures"`
	AnalyticsRows int64  `json:"analytics_rows"`
}

type ConfigResponse struct {
	Config Config `json:"config"`
}

// UpdateConfigRequest carries the runtime-tunable batching subset; nil
// fields leave their settings unchanged.
type UpdateConfigRequest struct {
	BatchSize            *int `json:"batch_size,omitempty"`
	FlushIntervalSeconds *int `json:"flush_interval_seconds,omitempty"`
	DrainLimit           *int `json:"drain_limit,omitempty"`
}

// GetConfig returns the current consumer configuration.
//
//encore:api public method=GET path=/ingest/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return &ConfigResponse{Config: svc.cfg()}, nil
}

// UpdateConfig tunes consumer batching at runtime: batch size, flush
// interval, and the fallback drain limit.
//
//encore:api public method=POST path=/ingest/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return &ConfigResponse{Config: svc.UpdateConfig(req)}, nil
}

// Status reports consumer identity, pending aggregate size, and throughput.
//
//encore:api public method=GET path=/ingest/status
func Status(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}

	svc.mu.Lock()
	pending := len(svc.agg)
	svc.mu.Unlock()

	return &StatusResponse{
		Consumer:      svc.consumer,
		PendingCodes:  pending,
		QueueEvents:   svc.metrics.QueueEvents.Load(),
		StreamEvents:  svc.metrics.StreamEvents.Load(),
		InvalidEvents: svc.metrics.InvalidEvents.Load(),
		Flushes:       svc.metrics.Flushes.Load(),
		FlushedDeltas: svc.metrics.FlushedDeltas.Load(),
		FlushFailures: svc.metrics.FlushFailures.Load(),
		AnalyticsRows: svc.metrics.AnalyticsRows.Load(),
	}, nil
}
