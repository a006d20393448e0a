package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"encore.dev/storage/sqldb"
)

// sqlAuditStore persists allocation audit records and hosts the sequence
// fallback.
//
// Design decisions:
//   - Append-only audit table; UNIQUE(start_id, end_id) plus
//     ON CONFLICT DO NOTHING make retried batches idempotent.
//   - The sequence increments by the maximum block size, so a single
//     nextval reserves a range wide enough for any permitted request.
type sqlAuditStore struct {
	db *sqldb.Database
}

// InsertBatch writes one multi-row insert for the batch.
func (a *sqlAuditStore) InsertBatch(ctx context.Context, records []PendingAllocation) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO id_allocation_records (start_id, end_id, range_size, allocated_at, source)
		VALUES `)

	args := make([]interface{}, 0, len(records)*5)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, rec.Start, rec.End, rec.Size, rec.AllocatedAt, rec.Source)
	}
	sb.WriteString(" ON CONFLICT (start_id, end_id) DO NOTHING")

	if _, err := a.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert audit batch: %w", err)
	}
	return nil
}

// MaxEndID returns the highest persisted end_id. ok is false when the
// table is empty.
func (a *sqlAuditStore) MaxEndID(ctx context.Context) (int64, bool, error) {
	var maxEnd *int64
	err := a.db.QueryRow(ctx, `SELECT MAX(end_id) FROM id_allocation_records`).Scan(&maxEnd)
	if errors.Is(err, sqldb.ErrNoRows) || (err == nil && maxEnd == nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read max end_id: %w", err)
	}
	return *maxEnd, true, nil
}

// NextSequenceRange reserves a range from the relational sequence.
func (a *sqlAuditStore) NextSequenceRange(ctx context.Context, size int64) (int64, int64, error) {
	var v int64
	if err := a.db.QueryRow(ctx, `SELECT nextval('url_id_sequence')`).Scan(&v); err != nil {
		return 0, 0, fmt.Errorf("sequence allocation failed: %w", err)
	}
	return v - size + 1, v, nil
}

// Ping verifies the database is reachable.
func (a *sqlAuditStore) Ping(ctx context.Context) error {
	var one int
	return a.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
