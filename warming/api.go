package warming

import (
	"context"

	"encore.dev/beta/errs"
)

type StatusResponse struct {
	Cycles        int64  `json:"cycles"`
	FailedCycles  int64  `json:"failed_cycles"`
	WarmedEntries int64  `json:"warmed_entries"`
	Pregenerated  int64  `json:"pregenerated"`
	ExtraCycles   int64  `json:"extra_cycles"`
	Config        Config `json:"config"`
}

type TriggerResponse struct {
	Warmed int64 `json:"warmed"`
}

type ConfigResponse struct {
	Config Config `json:"config"`
}

// UpdateConfigRequest carries the runtime-tunable subset; nil fields leave
// their settings unchanged.
type UpdateConfigRequest struct {
	IntervalSeconds  *int     `json:"interval_seconds,omitempty"`
	TopN             *int     `json:"top_n,omitempty"`
	MaxOriginRPS     *int     `json:"max_origin_rps,omitempty"`
	Pregenerate      *int     `json:"pregenerate,omitempty"`
	RandomSample     *int     `json:"random_sample,omitempty"`
	TargetKeys       *int     `json:"target_keys,omitempty"`
	HitRateThreshold *float64 `json:"hit_rate_threshold,omitempty"`
}

// Trigger runs one warming pass immediately.
//
//encore:api public method=POST path=/warm/trigger
func Trigger(ctx context.Context) (*TriggerResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}

	before := svc.metrics.WarmedEntries.Load()
	if err := svc.Tick(ctx); err != nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "warm cycle failed"}
	}
	return &TriggerResponse{Warmed: svc.metrics.WarmedEntries.Load() - before}, nil
}

// Status reports warmer progress and configuration.
//
//encore:api public method=GET path=/warm/status
func Status(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return &StatusResponse{
		Cycles:        svc.metrics.Cycles.Load(),
		FailedCycles:  svc.metrics.FailedCycles.Load(),
		WarmedEntries: svc.metrics.WarmedEntries.Load(),
		Pregenerated:  svc.metrics.Pregenerated.Load(),
		ExtraCycles:   svc.metrics.ExtraCycles.Load(),
		Config:        svc.cfg(),
	}, nil
}

// GetConfig returns the current warmer configuration.
//
//encore:api public method=GET path=/warm/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return &ConfigResponse{Config: svc.cfg()}, nil
}

// UpdateConfig tunes the warmer at runtime: cycle cadence, breadth, the
// origin rate limit, and the optional extensions.
//
//encore:api public method=POST path=/warm/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "service not initialized"}
	}
	return &ConfigResponse{Config: svc.UpdateConfig(req)}, nil
}
