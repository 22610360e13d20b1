package account

import (
	"time"

	"github.com/lib/pq"

	"hivediscover/backend/internal/batch"
)

// Deferred writes against the accounts and account_analysis tables. Each op is a
// self-contained idempotent statement suitable for an unordered bulk flush.

const (
	QueueProfiles = "accounts"
	QueueAnalysis = "account_analysis"
	QueueFeed     = "feed"
)

// SetProfileOp overwrites the profile of the named account. A missing account
// matches nothing.
func SetProfileOp(name string, p Profile) batch.Op {
	return batch.Op{
		Query: `UPDATE accounts SET profile = $2 WHERE name = $1`,
		Args:  []any{NormalizeName(name), profileJSON(p)},
	}
}

// MarkLoadingOp starts a sweep: the request flag is cleared and previous results
// reset.
func MarkLoadingOp(accountID int64) batch.Op {
	return batch.Op{
		Query: `UPDATE account_analysis SET analyze_requested = FALSE, loading = TRUE, posts = '{}', votes = '{}', updated_at = NOW() WHERE account_id = $1`,
		Args:  []any{accountID},
	}
}

// SaveSweepOp records the sweep results and asks for a feed top-up.
func SaveSweepOp(accountID int64, posts, votes []int64, at time.Time) batch.Op {
	return batch.Op{
		Query: `UPDATE account_analysis SET posts = $2, votes = $3, loading = FALSE, last_analyze = $4, make_feed_requested = TRUE, updated_at = NOW() WHERE account_id = $1`,
		Args:  []any{accountID, pq.Array(nonNil(posts)), pq.Array(nonNil(votes)), at},
	}
}

// AbortSweepOp clears the loading state of a sweep that could not finish.
func AbortSweepOp(accountID int64) batch.Op {
	return batch.Op{
		Query: `UPDATE account_analysis SET loading = FALSE, updated_at = NOW() WHERE account_id = $1`,
		Args:  []any{accountID},
	}
}

// RequestAnalysisOp sets analyze_requested, creating the analysis row if needed.
func RequestAnalysisOp(accountID int64) batch.Op {
	return batch.Op{Query: requestAnalysisQuery, Args: []any{accountID}}
}

// AdmitFeedOp appends the ids not yet in the feed, preserving order.
func AdmitFeedOp(accountID int64, contentIDs []int64) batch.Op {
	return batch.Op{
		Query: `UPDATE account_analysis SET feed = feed || ARRAY(SELECT x FROM unnest($2::bigint[]) WITH ORDINALITY AS u(x, n) WHERE x <> ALL(feed) ORDER BY n), updated_at = NOW() WHERE account_id = $1`,
		Args:  []any{accountID, pq.Array(contentIDs)},
	}
}

// RequestFeedOp sets make_feed_requested again for a run that could not finish.
func RequestFeedOp(accountID int64) batch.Op {
	return batch.Op{
		Query: `UPDATE account_analysis SET make_feed_requested = TRUE, updated_at = NOW() WHERE account_id = $1`,
		Args:  []any{accountID},
	}
}

func nonNil(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
