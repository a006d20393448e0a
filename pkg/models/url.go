// Package models defines the core data types shared across the URL shortener
// services: the persisted URL record, its cached projection, click events,
// and health status enums.
//
// Design Notes:
//   - No Encore dependencies in this package so it stays reusable from
//     services, workers, and tests alike.
//   - CachedURLPayload is semantically equal to the URL record at caching
//     time; its Clicks field may lag the live count by the buffered delta.
//   - ClickEvent carries a pubsub-attr tag so the topic can use the short
//     code as its ordering attribute (per-code partition affinity).
package models

import "time"

// URLRecord is the canonical URL entity persisted in the OLTP store.
//
// Invariants:
//   - ShortCode is unique across all records.
//   - Clicks is non-decreasing and excludes unflushed buffered deltas.
//   - ID is never reused; UpdatedAt >= CreatedAt.
type URLRecord struct {
	ID          int64     `json:"id"`
	ShortCode   string    `json:"short_code"`
	OriginalURL string    `json:"original_url"`
	Clicks      int64     `json:"clicks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CachedURLPayload is the projection of a URLRecord stored under
// url:<short_code> in the lookup cache.
type CachedURLPayload struct {
	ID          int64     `json:"id"`
	ShortCode   string    `json:"short_code"`
	OriginalURL string    `json:"original_url"`
	Clicks      int64     `json:"clicks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CachedPayload builds the cacheable projection of a URL record.
func CachedPayload(u *URLRecord) CachedURLPayload {
	return CachedURLPayload{
		ID:          u.ID,
		ShortCode:   u.ShortCode,
		OriginalURL: u.OriginalURL,
		Clicks:      u.Clicks,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// Record converts the cached payload back into a URL record.
func (p CachedURLPayload) Record() *URLRecord {
	return &URLRecord{
		ID:          p.ID,
		ShortCode:   p.ShortCode,
		OriginalURL: p.OriginalURL,
		Clicks:      p.Clicks,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ClickEvent is one click observed on a short code. Delta is >= 1.
//
// Published to the click topic keyed by short code; also the entry format of
// the fallback stream when the queue is unavailable.
type ClickEvent struct {
	ShortCode string `json:"short_code" pubsub-attr:"short_code"`
	Delta     int64  `json:"delta"`
}

// Valid reports whether the event is well-formed.
func (e *ClickEvent) Valid() bool {
	return e != nil && e.ShortCode != "" && e.Delta >= 1
}
