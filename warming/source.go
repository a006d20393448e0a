package warming

import (
	"context"
	"fmt"

	"encore.dev/storage/sqldb"

	"encore.app/allocator"
	"encore.app/pkg/models"
	"encore.app/shortener"
)

// sqlSource reads warm candidates from the urls table. Both queries lean on
// the clicks and created_at indexes; neither scans the full table.
type sqlSource struct {
	db *sqldb.Database
}

const recordColumns = `id, short_code, original_url, clicks, created_at, updated_at`

func (s *sqlSource) TopClicked(ctx context.Context, n int) ([]*models.URLRecord, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM urls
		ORDER BY clicks DESC
		LIMIT $1
	`, recordColumns), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query top clicked urls: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *sqlSource) RandomSample(ctx context.Context, n int) ([]*models.URLRecord, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM urls
		TABLESAMPLE SYSTEM_ROWS($1)
	`, recordColumns), n)
	if err != nil {
		// tsm_system_rows may be unavailable; fall back to a bounded
		// random ordering over the newest slice.
		rows, err = s.db.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM (
				SELECT %s FROM urls ORDER BY created_at DESC LIMIT 10000
			) recent
			ORDER BY RANDOM()
			LIMIT $1
		`, recordColumns, recordColumns), n)
		if err != nil {
			return nil, fmt.Errorf("failed to sample urls: %w", err)
		}
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sqldb.Rows) ([]*models.URLRecord, error) {
	var records []*models.URLRecord
	for rows.Next() {
		var u models.URLRecord
		if err := rows.Scan(&u.ID, &u.ShortCode, &u.OriginalURL, &u.Clicks, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan url record: %w", err)
		}
		records = append(records, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating url records: %w", err)
	}
	return records, nil
}

// allocatorClient adapts the allocator service API to RangeAllocator.
type allocatorClient struct{}

func (allocatorClient) Allocate(ctx context.Context, size int64) (int64, int64, error) {
	resp, err := allocator.Allocate(ctx, &allocator.AllocateRequest{Size: size})
	if err != nil {
		return 0, 0, err
	}
	return resp.Start, resp.End, nil
}

// shortenerHitRate samples the shortener's cache hit rate.
type shortenerHitRate struct{}

func (shortenerHitRate) HitRate(ctx context.Context) (float64, bool, error) {
	m, err := shortener.GetMetrics(ctx)
	if err != nil {
		return 0, false, err
	}
	if m.CacheHits+m.CacheMisses == 0 {
		return 0, false, nil
	}
	return m.CacheHitRate, true, nil
}
