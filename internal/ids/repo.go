package ids

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Existing(ctx context.Context, candidates []int64) (map[int64]bool, error) {
	query := `SELECT id FROM allocated_ids WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(candidates))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taken := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		taken[id] = true
	}
	return taken, rows.Err()
}

func (r *PostgresRegistry) Claim(ctx context.Context, kind Kind, candidates []int64) ([]int64, error) {
	query := `INSERT INTO allocated_ids (id, kind) SELECT unnest($1::bigint[]), $2 ON CONFLICT (id) DO NOTHING RETURNING id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(candidates), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}
