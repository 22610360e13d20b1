package content

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"hivediscover/backend/internal/similarity"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) IsBanned(ctx context.Context, author, permlink string) (bool, error) {
	var banned bool
	query := `SELECT EXISTS(SELECT 1 FROM banned_accounts WHERE name = $1) OR EXISTS(SELECT 1 FROM banned_content WHERE author = $1 AND permlink = $2)`
	err := r.db.QueryRowContext(ctx, query, author, permlink).Scan(&banned)
	return banned, err
}

func (r *PostgresRepo) FindID(ctx context.Context, author, permlink string) (int64, bool, error) {
	var id int64
	query := `SELECT id FROM content_info WHERE author = $1 AND permlink = $2`
	err := r.db.QueryRowContext(ctx, query, author, permlink).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

const insertTripleQuery = `WITH info AS (
	INSERT INTO content_info (id, author, permlink, created) VALUES ($1, $2, $3, $4)
	ON CONFLICT (author, permlink) DO NOTHING
	RETURNING id
), data AS (
	INSERT INTO content_data (id, created) SELECT id, $4 FROM info
), txt AS (
	INSERT INTO content_text (id, title, body, tag_str) SELECT id, $5, $6, $7 FROM info
)
SELECT id FROM info`

func (r *PostgresRepo) Insert(ctx context.Context, rec Record) (int64, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, insertTripleQuery, rec.ID, rec.Author, rec.Permlink, rec.Created, rec.Title, rec.Body, rec.TagStr).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, ok, ferr := r.FindID(ctx, rec.Author, rec.Permlink)
		if ferr != nil {
			return 0, false, ferr
		}
		if !ok {
			return 0, false, errors.New("insert conflicted but no existing row found")
		}
		return existing, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

const repairTripleQuery = `WITH info AS (
	INSERT INTO content_info (id, author, permlink, created) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING
), data AS (
	INSERT INTO content_data (id, created) VALUES ($1, $4) ON CONFLICT (id) DO NOTHING
)
INSERT INTO content_text (id, title, body, tag_str) VALUES ($1, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body, tag_str = EXCLUDED.tag_str`

func (r *PostgresRepo) Repair(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, repairTripleQuery, rec.ID, rec.Author, rec.Permlink, rec.Created, rec.Title, rec.Body, rec.TagStr)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, author, permlink string) (*Item, error) {
	item := &Item{}
	query := `SELECT i.id, i.author, i.permlink, i.created, d.categories, d.lang, d.votes, t.title, t.body, t.tag_str
		FROM content_info i JOIN content_data d ON d.id = i.id JOIN content_text t ON t.id = i.id
		WHERE i.author = $1 AND i.permlink = $2`
	err := r.db.QueryRowContext(ctx, query, author, permlink).Scan(
		&item.ID, &item.Author, &item.Permlink, &item.Created,
		&item.Data.Categories, &item.Data.Lang, pq.Array(&item.Data.Votes),
		&item.Text.Title, &item.Text.Body, &item.Text.TagStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Data.ID, item.Data.Created = item.ID, item.Created
	item.Text.ID = item.ID
	return item, nil
}

// Summaries returns summaries in the order of contentIDs, skipping unknown ids.
func (r *PostgresRepo) Summaries(ctx context.Context, contentIDs []int64) ([]Summary, error) {
	if len(contentIDs) == 0 {
		return []Summary{}, nil
	}
	query := `SELECT id, author, permlink FROM content_info WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(contentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]Summary, len(contentIDs))
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Author, &s.Permlink); err != nil {
			return nil, err
		}
		byID[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byID))
	for _, id := range contentIDs {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *PostgresRepo) Data(ctx context.Context, contentIDs []int64) ([]Data, error) {
	if len(contentIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id, categories, lang, votes, created FROM content_data WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(contentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Data
	for rows.Next() {
		var d Data
		if err := rows.Scan(&d.ID, &d.Categories, &d.Lang, pq.Array(&d.Votes), &d.Created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Pending returns text of content still missing categories or languages with an
// id above after, in id order. Ids are allocated as content arrives, so paging
// with the last id returned walks the backlog oldest first.
func (r *PostgresRepo) Pending(ctx context.Context, after int64, limit int) ([]Text, error) {
	query := `SELECT t.id, t.title, t.body, t.tag_str FROM content_data d JOIN content_text t ON t.id = d.id
		WHERE (d.categories IS NULL OR d.lang IS NULL) AND d.id > $1 ORDER BY d.id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	return scanTexts(rows)
}

func (r *PostgresRepo) Texts(ctx context.Context, contentIDs []int64) ([]Text, error) {
	query := `SELECT id, title, body, tag_str FROM content_text WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(contentIDs))
	if err != nil {
		return nil, err
	}
	return scanTexts(rows)
}

func scanTexts(rows *sql.Rows) ([]Text, error) {
	defer rows.Close()
	var out []Text
	for rows.Next() {
		var t Text
		if err := rows.Scan(&t.ID, &t.Title, &t.Body, &t.TagStr); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SetAnalysis(ctx context.Context, id int64, cats Categories, lang Langs) error {
	query := `UPDATE content_data SET categories = $2, lang = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, cats, lang)
	return err
}

func (r *PostgresRepo) FilterByLang(ctx context.Context, contentIDs []int64, langs []string) ([]int64, error) {
	query := `SELECT id FROM content_data WHERE id = ANY($1)
		AND EXISTS (SELECT 1 FROM jsonb_array_elements(lang) l WHERE l->>'lang' = ANY($2))`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(contentIDs), pq.Array(langs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const orphansQuery = `SELECT ids.id, COALESCE(i.author, ''), COALESCE(i.permlink, '')
	FROM (SELECT id FROM content_info UNION SELECT id FROM content_data UNION SELECT id FROM content_text) ids
	LEFT JOIN content_info i ON i.id = ids.id
	LEFT JOIN content_data d ON d.id = ids.id
	LEFT JOIN content_text t ON t.id = ids.id
	WHERE i.id IS NULL OR d.id IS NULL OR t.id IS NULL
	LIMIT $1`

func (r *PostgresRepo) Orphans(ctx context.Context, limit int) ([]Orphan, error) {
	rows, err := r.db.QueryContext(ctx, orphansQuery, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var o Orphan
		if err := rows.Scan(&o.ID, &o.Author, &o.Permlink); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, id int64) error {
	query := `WITH a AS (DELETE FROM content_info WHERE id = $1), b AS (DELETE FROM content_data WHERE id = $1)
		DELETE FROM content_text WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) DeleteByAuthor(ctx context.Context, author string) (int64, error) {
	query := `WITH gone AS (DELETE FROM content_info WHERE author = $1 RETURNING id),
		d AS (DELETE FROM content_data WHERE id IN (SELECT id FROM gone))
		DELETE FROM content_text WHERE id IN (SELECT id FROM gone)`
	res, err := r.db.ExecContext(ctx, query, author)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) Ban(ctx context.Context, author, permlink string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO banned_content (author, permlink) VALUES ($1, $2) ON CONFLICT DO NOTHING`, author, permlink); err != nil {
		return err
	}
	query := `WITH gone AS (DELETE FROM content_info WHERE author = $1 AND permlink = $2 RETURNING id),
		d AS (DELETE FROM content_data WHERE id IN (SELECT id FROM gone))
		DELETE FROM content_text WHERE id IN (SELECT id FROM gone)`
	if _, err := tx.ExecContext(ctx, query, author, permlink); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepo) PullVotes(ctx context.Context, accountID int64) error {
	query := `UPDATE content_data SET votes = array_remove(votes, $1), updated_at = NOW() WHERE $1 = ANY(votes)`
	_, err := r.db.ExecContext(ctx, query, accountID)
	return err
}

// Vectors feeds index rebuilds with every scored vector created since the cutoff.
func (r *PostgresRepo) Vectors(ctx context.Context, since time.Time) ([]similarity.Item, error) {
	query := `SELECT id, categories FROM content_data WHERE created >= $1 AND jsonb_typeof(categories) = 'array'`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []similarity.Item
	for rows.Next() {
		var id int64
		var cats Categories
		if err := rows.Scan(&id, &cats); err != nil {
			return nil, err
		}
		if vec, ok := cats.Float32(); ok {
			items = append(items, similarity.Item{ID: id, Vector: vec})
		}
	}
	return items, rows.Err()
}
