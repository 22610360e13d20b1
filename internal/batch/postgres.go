package batch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// PostgresWriter runs a batch in one transaction with a savepoint per op, so a
// duplicate key or stale match rolls back only that op.
type PostgresWriter struct {
	db *sql.DB
}

func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

func (w *PostgresWriter) WriteUnordered(ctx context.Context, collection string, ops []Op) (Result, error) {
	var res Result

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}

	for i, op := range ops {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT op"); err != nil {
			_ = tx.Rollback()
			return Result{}, fmt.Errorf("savepoint: %w", err)
		}
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			slog.DebugContext(ctx, "bulk op failed", "collection", collection, "index", i, "error", err)
			res.Failed++
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT op"); err != nil {
				_ = tx.Rollback()
				return Result{}, fmt.Errorf("rollback to savepoint: %w", err)
			}
			continue
		}
		res.Applied++
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}
