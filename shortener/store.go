package shortener

import (
	"context"
	"errors"
	"fmt"

	"encore.dev/storage/sqldb"
	"github.com/jackc/pgx/v5/pgconn"

	"encore.app/pkg/models"
)

// ErrCodeTaken reports an insert that lost the uniqueness race on
// short_code. The caller decides whether to regenerate or surface a
// conflict.
var ErrCodeTaken = errors.New("shortener: short code already taken")

const pgUniqueViolation = "23505"

// sqlStore is the relational implementation of Store.
type sqlStore struct {
	db *sqldb.Database
}

func (s *sqlStore) Insert(ctx context.Context, shortCode, originalURL string) (*models.URLRecord, error) {
	var u models.URLRecord
	err := s.db.QueryRow(ctx, `
		INSERT INTO urls (short_code, original_url)
		VALUES ($1, $2)
		RETURNING id, short_code, original_url, clicks, created_at, updated_at
	`, shortCode, originalURL).Scan(&u.ID, &u.ShortCode, &u.OriginalURL, &u.Clicks, &u.CreatedAt, &u.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrCodeTaken
		}
		return nil, fmt.Errorf("failed to insert url: %w", err)
	}
	return &u, nil
}

func (s *sqlStore) GetByCode(ctx context.Context, shortCode string) (*models.URLRecord, error) {
	var u models.URLRecord
	err := s.db.QueryRow(ctx, `
		SELECT id, short_code, original_url, clicks, created_at, updated_at
		FROM urls
		WHERE short_code = $1
	`, shortCode).Scan(&u.ID, &u.ShortCode, &u.OriginalURL, &u.Clicks, &u.CreatedAt, &u.UpdatedAt)

	if errors.Is(err, sqldb.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query url: %w", err)
	}
	return &u, nil
}

func (s *sqlStore) AddClicks(ctx context.Context, shortCode string, delta int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE urls
		SET clicks = clicks + $2, updated_at = NOW()
		WHERE short_code = $1
	`, shortCode, delta)
	if err != nil {
		return fmt.Errorf("failed to add clicks: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
