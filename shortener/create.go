package shortener

import (
	"context"
	"errors"
	"net/url"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"encore.app/pkg/codec"
	"encore.app/pkg/models"
)

const (
	customCodeMinLen = 3
	customCodeMaxLen = 20
	maxURLLength     = 2048
)

// Create shortens a URL, optionally under a caller-chosen custom code.
func (s *Service) Create(ctx context.Context, originalURL, customCode string) (rec *models.URLRecord, err error) {
	began := time.Now()
	defer func() {
		switch {
		case err == nil:
			s.metrics.Create.observe(began, &s.metrics.Create.Success)
		case errs.Code(err) == errs.InvalidArgument, errs.Code(err) == errs.AlreadyExists:
			s.metrics.Create.observe(began, &s.metrics.Create.ValidationError)
		default:
			s.metrics.Create.observe(began, &s.metrics.Create.Error)
		}
	}()

	if err := validateURL(originalURL); err != nil {
		return nil, err
	}

	if customCode != "" {
		return s.createCustom(ctx, originalURL, customCode)
	}
	return s.createGenerated(ctx, originalURL)
}

func (s *Service) createCustom(ctx context.Context, originalURL, customCode string) (*models.URLRecord, error) {
	if err := validateCustomCode(customCode); err != nil {
		return nil, err
	}

	existing, err := s.store.GetByCode(ctx, customCode)
	if err != nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "store unavailable"}
	}
	if existing != nil {
		return nil, &errs.Error{Code: errs.AlreadyExists, Message: "custom code already taken"}
	}

	rec, err := s.store.Insert(ctx, customCode, originalURL)
	if errors.Is(err, ErrCodeTaken) {
		// Lost the race after the existence check.
		return nil, &errs.Error{Code: errs.AlreadyExists, Message: "custom code already taken"}
	}
	if err != nil {
		return nil, &errs.Error{Code: errs.Unavailable, Message: "store unavailable"}
	}

	s.cacheRecord(ctx, rec)
	return rec, nil
}

func (s *Service) createGenerated(ctx context.Context, originalURL string) (*models.URLRecord, error) {
	// A unique-violation means the code existed before this allocator era
	// (mixed-mode deployments with historic codes); draw the next ID and
	// try again.
	for {
		id, err := s.nextID(ctx)
		if err != nil {
			return nil, err
		}

		code, err := codec.EncodePadded(id, s.config.ShortCodeLength)
		if err != nil {
			return nil, &errs.Error{Code: errs.Internal, Message: "code encoding failed"}
		}

		rec, err := s.store.Insert(ctx, code, originalURL)
		if errors.Is(err, ErrCodeTaken) {
			rlog.Info("generated code collided with historic record, regenerating", "code", code)
			continue
		}
		if err != nil {
			return nil, &errs.Error{Code: errs.Unavailable, Message: "store unavailable"}
		}

		s.cacheRecord(ctx, rec)
		return rec, nil
	}
}

// cacheRecord writes the lookup-cache entry; failures degrade silently.
func (s *Service) cacheRecord(ctx context.Context, rec *models.URLRecord) {
	if err := s.writer.SetURL(ctx, rec.ShortCode, models.CachedPayload(rec)); err != nil {
		rlog.Error("lookup cache write failed", "code", rec.ShortCode, "err", err)
	}
}

func validateURL(raw string) error {
	if raw == "" || len(raw) > maxURLLength {
		return &errs.Error{Code: errs.InvalidArgument, Message: "url must be non-empty and within length bounds"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &errs.Error{Code: errs.InvalidArgument, Message: "url must be absolute http(s)"}
	}
	return nil
}

func validateCustomCode(code string) error {
	if len(code) < customCodeMinLen || len(code) > customCodeMaxLen {
		return &errs.Error{Code: errs.InvalidArgument, Message: "custom code must be 3-20 characters"}
	}
	if !codec.IsValidCode(code) {
		return &errs.Error{Code: errs.InvalidArgument, Message: "custom code must be alphanumeric"}
	}
	return nil
}
