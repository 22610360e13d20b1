package ingest

import (
	"context"
	"database/sql"
	"errors"
)

// CheckpointTag keys the last fully processed block number.
const CheckpointTag = "CURRENT_BLOCK_NUM"

type PostgresCheckpoints struct {
	db *sql.DB
}

func NewPostgresCheckpoints(db *sql.DB) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

// Get returns the stored value and false when the tag was never written.
func (c *PostgresCheckpoints) Get(ctx context.Context, tag string) (int64, bool, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE tag = $1`, tag).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *PostgresCheckpoints) Set(ctx context.Context, tag string, value int64) error {
	query := `INSERT INTO checkpoints (tag, value) VALUES ($1, $2)
		ON CONFLICT (tag) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	_, err := c.db.ExecContext(ctx, query, tag, value)
	return err
}
