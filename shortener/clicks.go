package shortener

import (
	"context"
	"time"

	"encore.dev/rlog"

	"encore.app/pkg/models"
)

// TrackClick records one click on a code: buffer the increment in the
// cache, then publish one event to the durable queue, downgrading to the
// fallback stream when the publish fails.
//
// The publish is fire-and-observe: losing both the queue and the stream is
// logged but never fails the redirect.
func (s *Service) TrackClick(ctx context.Context, code string) {
	began := time.Now()
	defer s.metrics.Click.observe(began, &s.metrics.Click.Success)

	if _, err := s.writer.IncrClickBuffer(ctx, code); err != nil {
		rlog.Error("click buffer increment failed", "code", code, "err", err)
	}

	ev := &models.ClickEvent{ShortCode: code, Delta: 1}
	if err := s.queue.Publish(ctx, ev); err == nil {
		return
	}

	s.metrics.QueueFallbacks.Add(1)
	if err := s.writer.AppendStream(ctx, s.config.StreamName, *ev); err != nil {
		s.metrics.ClickDrops.Add(1)
		rlog.Error("click event lost: queue and fallback stream both failed",
			"code", code, "err", err)
	}
}

// FlushClickBuffer is the on-demand flush path: under the per-code flush
// lock, move the buffered count into the store, then drop the buffer and
// invalidate the cached entry. Callers that lose the lock return without
// flushing.
func (s *Service) FlushClickBuffer(ctx context.Context, code string) error {
	token, acquired, err := s.writer.AcquireFlushLock(ctx, code)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if rerr := s.writer.ReleaseFlushLock(context.WithoutCancel(ctx), code, token); rerr != nil {
			rlog.Error("flush lock release failed", "code", code, "err", rerr)
		}
	}()

	buffered, err := s.writer.GetClickBuffer(ctx, code)
	if err != nil {
		return err
	}
	if buffered <= 0 {
		return nil
	}

	if err := s.store.AddClicks(ctx, code, buffered); err != nil {
		return err
	}

	if err := s.writer.DeleteClickBuffer(ctx, code); err != nil {
		rlog.Error("click buffer delete failed", "code", code, "err", err)
	}
	if err := s.writer.DeleteURL(ctx, code); err != nil {
		rlog.Error("lookup cache invalidation failed", "code", code, "err", err)
	}
	return nil
}
