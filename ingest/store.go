package ingest

import (
	"context"
	"fmt"
	"sync"

	"encore.dev/storage/sqldb"
)

// sqlURLStore applies aggregated deltas to the urls table in a single
// transaction.
type sqlURLStore struct {
	db *sqldb.Database
}

func (s *sqlURLStore) ApplyClickDeltas(ctx context.Context, deltas map[string]int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	for code, delta := range deltas {
		_, err := tx.Exec(ctx, `
			UPDATE urls
			SET clicks = clicks + $2, updated_at = NOW()
			WHERE short_code = $1
		`, code, delta)
		if err != nil {
			return fmt.Errorf("failed to update clicks for %s: %w", code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush transaction: %w", err)
	}
	return nil
}

// sqlAnalytics writes click events into the analytics database.
//
// Design decisions:
//   - Append-only, ordered by (short_code, event_time) for range scans.
//   - Schema is ensured on demand so a fresh analytics database accepts
//     rows before any migration tooling has run against it.
type sqlAnalytics struct {
	db *sqldb.Database

	mu      sync.Mutex
	ensured bool
}

const clickEventsDDL = `
	CREATE TABLE IF NOT EXISTS click_events (
		short_code TEXT NOT NULL,
		delta BIGINT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_click_events_code_time
	ON click_events (short_code, event_time);
`

func (s *sqlAnalytics) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured {
		return nil
	}
	if _, err := s.db.Exec(ctx, clickEventsDDL); err != nil {
		return fmt.Errorf("failed to ensure click_events schema: %w", err)
	}
	s.ensured = true
	return nil
}

func (s *sqlAnalytics) InsertClickEvents(ctx context.Context, rows []ClickRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	for _, row := range rows {
		_, err := s.db.Exec(ctx, `
			INSERT INTO click_events (short_code, delta, event_time)
			VALUES ($1, $2, $3)
		`, row.ShortCode, row.Delta, row.EventTime)
		if err != nil {
			return fmt.Errorf("failed to insert click event: %w", err)
		}
	}
	return nil
}
