package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindByName(ctx context.Context, name string) (*Account, error) {
	query := `SELECT id, name, profile FROM accounts WHERE name = $1`
	return r.findOne(ctx, query, name)
}

func (r *PostgresRepo) FindByID(ctx context.Context, id int64) (*Account, error) {
	query := `SELECT id, name, profile FROM accounts WHERE id = $1`
	return r.findOne(ctx, query, id)
}

func (r *PostgresRepo) findOne(ctx context.Context, query string, arg any) (*Account, error) {
	var acc Account
	var raw []byte
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&acc.ID, &acc.Name, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if raw != nil {
		var p Profile
		// Malformed stored metadata reads as an empty profile.
		if err := json.Unmarshal(raw, &p); err == nil {
			acc.Profile = &p
		} else {
			acc.Profile = &Profile{}
		}
	}
	return &acc, nil
}

func (r *PostgresRepo) IsBanned(ctx context.Context, name string) (bool, error) {
	var banned bool
	query := `SELECT EXISTS(SELECT 1 FROM banned_accounts WHERE name = $1)`
	err := r.db.QueryRowContext(ctx, query, name).Scan(&banned)
	return banned, err
}

func (r *PostgresRepo) MissingNames(ctx context.Context, names []string) ([]string, error) {
	query := `SELECT n FROM unnest($1::text[]) AS n
		WHERE NOT EXISTS (SELECT 1 FROM accounts a WHERE a.name = n)
		AND NOT EXISTS (SELECT 1 FROM banned_accounts b WHERE b.name = n)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CreateMany inserts accounts pairwise from accountIDs and names. Names created
// concurrently by another writer are skipped.
func (r *PostgresRepo) CreateMany(ctx context.Context, accountIDs []int64, names []string) (int64, error) {
	if len(accountIDs) != len(names) {
		return 0, fmt.Errorf("create accounts: %d ids for %d names", len(accountIDs), len(names))
	}
	query := `INSERT INTO accounts (id, name) SELECT * FROM unnest($1::bigint[], $2::text[]) ON CONFLICT (name) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, pq.Array(accountIDs), pq.Array(names))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) Ban(ctx context.Context, name string) error {
	query := `INSERT INTO banned_accounts (name) VALUES ($1) ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, name)
	return err
}

// Delete removes the account; its analysis row goes with it.
func (r *PostgresRepo) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM accounts WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) MissingProfiles(ctx context.Context, afterID int64, limit int) ([]Account, error) {
	query := `SELECT id, name FROM accounts WHERE profile IS NULL AND id > $1 ORDER BY id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SetProfile(ctx context.Context, id int64, p Profile) error {
	query := `UPDATE accounts SET profile = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, profileJSON(p))
	return err
}

// Analysis returns nil when the account has never been analyzed or fed.
func (r *PostgresRepo) Analysis(ctx context.Context, id int64) (*Analysis, error) {
	var a Analysis
	var last sql.NullTime
	query := `SELECT account_id, analyze_requested, loading, posts, votes, last_analyze, make_feed_requested, feed
		FROM account_analysis WHERE account_id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.AccountID, &a.AnalyzeRequested, &a.Loading,
		pq.Array(&a.Posts), pq.Array(&a.Votes), &last,
		&a.MakeFeedRequested, pq.Array(&a.Feed),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		a.LastAnalyze = &last.Time
	}
	return &a, nil
}

const requestAnalysisQuery = `INSERT INTO account_analysis (account_id, analyze_requested) VALUES ($1, TRUE)
	ON CONFLICT (account_id) DO UPDATE SET analyze_requested = TRUE, updated_at = NOW()`

func (r *PostgresRepo) RequestAnalysis(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, requestAnalysisQuery, id)
	return err
}

func (r *PostgresRepo) RequestFeed(ctx context.Context, id int64) error {
	query := `INSERT INTO account_analysis (account_id, make_feed_requested) VALUES ($1, TRUE)
		ON CONFLICT (account_id) DO UPDATE SET make_feed_requested = TRUE, updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

const (
	ensureAnalysisQuery = `INSERT INTO account_analysis (account_id, analyze_requested, make_feed_requested) VALUES ($1, TRUE, TRUE)
		ON CONFLICT (account_id) DO NOTHING`

	popFeedQuery = `UPDATE account_analysis a SET feed = old.feed[$2 + 1:], make_feed_requested = TRUE, updated_at = NOW()
		FROM (SELECT account_id, feed FROM account_analysis WHERE account_id = $1 FOR UPDATE) old
		WHERE a.account_id = old.account_id
		RETURNING old.feed[1:$2]`
)

// PopFeed dequeues up to n ids from the front of the feed. A first call creates
// the analysis row with both request flags set.
func (r *PostgresRepo) PopFeed(ctx context.Context, id int64, n int) ([]int64, error) {
	if _, err := r.db.ExecContext(ctx, ensureAnalysisQuery, id); err != nil {
		return nil, err
	}

	var out []int64
	err := r.db.QueryRowContext(ctx, popFeedQuery, id, n).Scan(pq.Array(&out))
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted between the two statements.
		return nil, ErrNotFound
	}
	return out, err
}

const claimAnalyzeQuery = `UPDATE account_analysis SET analyze_requested = FALSE, updated_at = NOW()
	WHERE account_id IN (
		SELECT account_id FROM account_analysis WHERE analyze_requested
		ORDER BY updated_at LIMIT $1 FOR UPDATE SKIP LOCKED
	)
	RETURNING account_id`

func (r *PostgresRepo) ClaimAnalyze(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, claimAnalyzeQuery, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *PostgresRepo) FeedRequested(ctx context.Context, exclude []int64, limit int) ([]int64, error) {
	query := `SELECT account_id FROM account_analysis
		WHERE make_feed_requested AND NOT (account_id = ANY($1))
		ORDER BY updated_at LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(nonNil(exclude)), limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

const beginFeedQuery = `UPDATE account_analysis SET make_feed_requested = FALSE,
	feed = CASE WHEN $2 THEN '{}'::bigint[] ELSE feed END, updated_at = NOW()
	WHERE account_id = $1`

func (r *PostgresRepo) BeginFeed(ctx context.Context, id int64, reset bool) error {
	_, err := r.db.ExecContext(ctx, beginFeedQuery, id, reset)
	return err
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
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

func profileJSON(p Profile) []byte {
	b, _ := json.Marshal(p)
	return b
}
