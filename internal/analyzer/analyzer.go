// Package analyzer backfills an account's recent posts and votes from its chain
// history when an analysis is requested.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hivediscover/backend/features/account"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/guard"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
)

type Accounts interface {
	ClaimAnalyze(ctx context.Context, limit int) ([]int64, error)
	Resolve(ctx context.Context, ref account.Ref) (*account.Account, error)
	IsBanned(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, ref account.Ref) error
}

type History interface {
	AccountExists(ctx context.Context, name string) (bool, error)
	AccountHistory(ctx context.Context, name string, start int64, limit int) ([]chain.HistoryEntry, error)
}

type ContentEnsurer interface {
	Ensure(ctx context.Context, author, permlink string) (int64, bool, error)
}

type Queue interface {
	Add(op batch.Op)
}

type Options struct {
	MaxInFlight int
	Lookback    time.Duration
	// MaxOps caps the history entries examined per sweep; 0 means unlimited.
	MaxOps   int
	Poll     time.Duration
	PageSize int
}

// Analyzer claims pending analyze requests and sweeps each account in its own
// goroutine, at most MaxInFlight at a time. Requests beyond capacity stay flagged
// in the store until a slot frees up.
type Analyzer struct {
	accounts Accounts
	history  History
	content  ContentEnsurer
	queue    Queue
	guard    *guard.Set
	opts     Options
	now      func() time.Time

	nudge chan struct{}
	wg    sync.WaitGroup
}

func New(accounts Accounts, history History, c ContentEnsurer, q Queue, opts Options) *Analyzer {
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.PageSize <= 0 || opts.PageSize > 1000 {
		opts.PageSize = 1000
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 100 * 24 * time.Hour
	}
	return &Analyzer{
		accounts: accounts,
		history:  history,
		content:  c,
		queue:    q,
		guard:    guard.New(opts.MaxInFlight),
		opts:     opts,
		now:      time.Now,
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge triggers an immediate poll for a freshly flagged account. It never
// blocks; the flag itself is what the poll claims.
func (a *Analyzer) Nudge(accountID int64) {
	slog.Debug("analyze nudge", "account_id", accountID)
	select {
	case a.nudge <- struct{}{}:
	default:
	}
}

func (a *Analyzer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Poll)
	defer ticker.Stop()
	defer a.wg.Wait()

	for {
		a.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-a.nudge:
		}
	}
}

func (a *Analyzer) String() string { return "account-analyzer" }

// InFlight reports the number of running sweeps.
func (a *Analyzer) InFlight() int { return a.guard.Len() }

func (a *Analyzer) poll(ctx context.Context) {
	limit := a.guard.Free()
	if limit == 0 {
		return
	}
	if limit < 0 {
		limit = 100
	}

	claimed, err := a.accounts.ClaimAnalyze(ctx, limit)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "failed to claim analyze requests", "error", err)
		}
		return
	}

	for _, id := range claimed {
		if !a.guard.TryAcquire(id) {
			slog.DebugContext(ctx, "sweep already running", "account_id", id)
			continue
		}
		metrics.AnalyzerInFlight.Set(float64(a.guard.Len()))
		a.wg.Add(1)
		go func(id int64) {
			defer a.wg.Done()
			defer func() {
				a.guard.Release(id)
				metrics.AnalyzerInFlight.Set(float64(a.guard.Len()))
			}()
			outcome := a.Sweep(middleware.NewCorrelation(ctx), id)
			metrics.AnalyzerSweepsTotal.WithLabelValues(outcome).Inc()
		}(id)
	}
}

// Sweep rebuilds the posts and votes of one account from its history and
// returns the outcome label.
func (a *Analyzer) Sweep(ctx context.Context, id int64) string {
	acc, err := a.accounts.Resolve(ctx, account.ByID(id))
	if errors.Is(err, account.ErrNotFound) {
		return "missing"
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to load account", "account_id", id, "error", err)
		return "failed"
	}

	// 1. Drop accounts that are banned or gone upstream
	if gone, err := a.shouldDelete(ctx, acc); err != nil {
		slog.WarnContext(ctx, "account check failed", "name", acc.Name, "error", err)
		return "failed"
	} else if gone {
		if err := a.accounts.Delete(ctx, account.ByID(id)); err != nil && !errors.Is(err, account.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to delete account", "name", acc.Name, "error", err)
			return "failed"
		}
		slog.InfoContext(ctx, "deleted account during analysis", "name", acc.Name)
		return "deleted"
	}

	// 2. Read the relevant slice of history
	entries, err := a.recentHistory(ctx, acc.Name)
	if err != nil {
		if ctx.Err() != nil {
			a.queue.Add(account.RequestAnalysisOp(id))
			return "cancelled"
		}
		slog.WarnContext(ctx, "failed to read account history", "name", acc.Name, "error", err)
		return "failed"
	}

	// 3. Resolve referenced content, inserting what is missing
	a.queue.Add(account.MarkLoadingOp(id))
	posts, votes, err := a.collect(ctx, acc.Name, entries)
	if err != nil {
		// Shutdown mid-sweep: re-flag so the next run picks it up.
		a.queue.Add(account.AbortSweepOp(id))
		a.queue.Add(account.RequestAnalysisOp(id))
		return "cancelled"
	}

	// 4. Publish the result
	a.queue.Add(account.SaveSweepOp(id, posts, votes, a.now()))
	slog.InfoContext(ctx, "account analyzed", "name", acc.Name, "posts", len(posts), "votes", len(votes))
	return "done"
}

func (a *Analyzer) shouldDelete(ctx context.Context, acc *account.Account) (bool, error) {
	banned, err := a.accounts.IsBanned(ctx, acc.Name)
	if err != nil || banned {
		return banned, err
	}
	exists, err := a.history.AccountExists(ctx, acc.Name)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// recentHistory walks the history backwards in pages and returns the entries
// inside the lookback window, newest first.
func (a *Analyzer) recentHistory(ctx context.Context, name string) ([]chain.HistoryEntry, error) {
	cutoff := a.now().Add(-a.opts.Lookback)
	var out []chain.HistoryEntry

	start := int64(-1)
	for {
		limit := a.opts.PageSize
		if start >= 0 {
			// The node rejects a limit larger than start+1.
			limit = int(min(int64(limit), start+1))
		}
		page, err := a.history.AccountHistory(ctx, name, start, limit)
		if err != nil {
			return nil, fmt.Errorf("history %s at %d: %w", name, start, err)
		}
		if len(page) == 0 {
			return out, nil
		}

		lowest := page[0].Index
		for i := len(page) - 1; i >= 0; i-- {
			e := page[i]
			lowest = min(lowest, e.Index)
			if !e.Timestamp.IsZero() && e.Timestamp.Before(cutoff) {
				return out, nil
			}
			out = append(out, e)
			if a.opts.MaxOps > 0 && len(out) >= a.opts.MaxOps {
				return out, nil
			}
		}

		if lowest <= 0 {
			return out, nil
		}
		start = lowest - 1
	}
}

// collect turns history entries into content ids: votes cast on other authors
// and top-level posts by the account. Items that cannot be fetched are skipped.
func (a *Analyzer) collect(ctx context.Context, name string, entries []chain.HistoryEntry) ([]int64, []int64, error) {
	var posts, votes []int64
	seenPost, seenVote := map[int64]bool{}, map[int64]bool{}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var author, permlink string
		var isPost bool
		switch e.Type {
		case chain.OpVote:
			var v chain.VoteOp
			if err := decode(e, &v); err != nil || v.Voter != name || v.Author == name {
				continue
			}
			author, permlink = v.Author, v.Permlink
		case chain.OpComment:
			var c chain.CommentOp
			if err := decode(e, &c); err != nil || c.Author != name || !c.TopLevel() {
				continue
			}
			author, permlink, isPost = c.Author, c.Permlink, true
		default:
			continue
		}

		id, ok, err := a.content.Ensure(ctx, author, permlink)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			slog.WarnContext(ctx, "skipping history item", "author", author, "permlink", permlink, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if isPost && !seenPost[id] {
			seenPost[id] = true
			posts = append(posts, id)
		} else if !isPost && !seenVote[id] {
			seenVote[id] = true
			votes = append(votes, id)
		}
	}
	return posts, votes, nil
}

func decode(e chain.HistoryEntry, out any) error {
	return chain.Operation{Type: e.Type, Value: e.Value}.Decode(out)
}
