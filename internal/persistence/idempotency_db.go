package persistence

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication against the
// operation log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the command exists in the operation log
func (pic *PostgresIdempotencyChecker) IsDuplicate(op string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM ledger_log.operations
        WHERE op = $1 AND command_id = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, op, commandID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the dedup keys of the last limit operations, oldest
// first, in the engine's "op:command_id" form.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op, command_id
		FROM ledger_log.operations
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var op, id string
		if err := rows.Scan(&op, &id); err != nil {
			return nil, err
		}
		keys = append(keys, op+":"+id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(keys)
	return keys, nil
}
