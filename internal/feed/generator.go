// Package feed fills account feeds with unseen content that is similar to what
// the account posted or voted on, in the languages it engages with.
package feed

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"hivediscover/backend/features/account"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/guard"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
	"hivediscover/backend/internal/similarity"
)

type Accounts interface {
	FeedRequested(ctx context.Context, exclude []int64, limit int) ([]int64, error)
	BeginFeed(ctx context.Context, id int64, reset bool) error
	Analysis(ctx context.Context, id int64) (*account.Analysis, error)
	AffinityOf(ctx context.Context, a *account.Analysis) (account.Affinity, error)
}

type Content interface {
	FilterByLang(ctx context.Context, contentIDs []int64, langs []string) ([]int64, error)
}

type Index interface {
	Ready() bool
	RequestRebuild()
	Query(ctx context.Context, contentIDs []int64, k int) (map[int64][]similarity.Neighbor, error)
}

type Queue interface {
	Add(op batch.Op)
}

type Options struct {
	MaxInFlight    int
	TargetLen      int
	SampleSize     int
	BaseK          int
	KStep          int
	MaxIterations  int
	LangThreshold  float64
	IterationSleep time.Duration
	Poll           time.Duration
	HistoryWait    time.Duration
	// AdmitGrace bounds how long an admitted id that has not shown up in the
	// stored feed still counts towards it. It must exceed the write flush
	// interval.
	AdmitGrace     time.Duration
}

func (o Options) withDefaults() Options {
	if o.TargetLen <= 0 {
		o.TargetLen = 100
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 25
	}
	if o.BaseK <= 0 {
		o.BaseK = 10
	}
	if o.KStep < 0 {
		o.KStep = 0
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 1000
	}
	if o.Poll <= 0 {
		o.Poll = time.Second
	}
	if o.HistoryWait <= 0 {
		o.HistoryWait = 5 * time.Second
	}
	if o.AdmitGrace <= 0 {
		o.AdmitGrace = 5 * time.Second
	}
	return o
}

// Exit reasons of a generation loop.
const (
	ReasonSatisfied = "satisfied"
	ReasonCapped    = "capped"
	ReasonStopped   = "stopped"
	ReasonMissing   = "missing"
	ReasonFailed    = "failed"
)

type request struct {
	id     int64
	forced bool
}

// Generator runs one loop per account with a pending feed request, at most
// MaxInFlight at once.
type Generator struct {
	accounts Accounts
	content  Content
	index    Index
	queue    Queue
	guard    *guard.Set
	opts     Options
	shuffle  func(n int, swap func(i, j int))
	now      func() time.Time

	requests chan request
	wg       sync.WaitGroup
}

func NewGenerator(accounts Accounts, c Content, index Index, q Queue, opts Options) *Generator {
	opts = opts.withDefaults()
	return &Generator{
		accounts: accounts,
		content:  c,
		index:    index,
		queue:    q,
		guard:    guard.New(opts.MaxInFlight),
		opts:     opts,
		shuffle:  rand.Shuffle,
		now:      time.Now,
		requests: make(chan request, 64),
	}
}

// Nudge starts a top-up run for id soon. It never blocks; a dropped nudge is
// picked up by the next poll since the request flag is durable.
func (g *Generator) Nudge(id int64) {
	g.enqueue(request{id: id})
}

// Rebuild starts a forced run that replaces the feed of id. A dropped rebuild
// degrades to a top-up through the durable flag.
func (g *Generator) Rebuild(id int64) {
	g.enqueue(request{id: id, forced: true})
}

func (g *Generator) enqueue(r request) {
	select {
	case g.requests <- r:
	default:
	}
}

func (g *Generator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.Poll)
	defer ticker.Stop()
	defer g.wg.Wait()

	for {
		g.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case r := <-g.requests:
			g.start(ctx, r)
		}
	}
}

func (g *Generator) String() string { return "feed-generator" }

func (g *Generator) InFlight() int { return g.guard.Len() }

func (g *Generator) poll(ctx context.Context) {
	limit := g.guard.Free()
	if limit == 0 {
		return
	}
	if limit < 0 {
		limit = 100
	}

	pending, err := g.accounts.FeedRequested(ctx, g.guard.IDs(), limit)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "failed to list feed requests", "error", err)
		}
		return
	}
	for _, id := range pending {
		g.start(ctx, request{id: id})
	}
}

func (g *Generator) start(ctx context.Context, r request) {
	if !g.guard.TryAcquire(r.id) {
		return
	}
	metrics.FeedInFlight.Set(float64(g.guard.Len()))
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.guard.Release(r.id)
			metrics.FeedInFlight.Set(float64(g.guard.Len()))
		}()
		reason := g.Generate(middleware.NewCorrelation(ctx), r.id, r.forced)
		metrics.FeedRunsTotal.WithLabelValues(reason).Inc()
	}()
}

// run is the state of one generation loop.
type run struct {
	id       int64
	admitted map[int64]bool
	// pending holds admitted ids not yet seen in the stored feed.
	pending  map[int64]time.Time
	langs    []string
	counts   [2]int
	asked    bool
}

// Generate grows the feed of one account until it holds the target length, the
// iteration cap is hit, or ctx ends. A forced run empties the feed first. The
// request flag is cleared before the feed is read, so requests made during the
// run start another one; a run that is cut short sets it again.
func (g *Generator) Generate(ctx context.Context, id int64, forced bool) string {
	if err := g.accounts.BeginFeed(ctx, id, forced); err != nil {
		if ctx.Err() != nil {
			return ReasonStopped
		}
		slog.ErrorContext(ctx, "failed to start feed generation", "account_id", id, "error", err)
		return ReasonFailed
	}

	r := &run{id: id, admitted: map[int64]bool{}, pending: map[int64]time.Time{}, counts: [2]int{-1, -1}}
	reason := g.loop(ctx, r)
	if reason == ReasonStopped || reason == ReasonFailed {
		g.queue.Add(account.RequestFeedOp(id))
	}
	slog.InfoContext(ctx, "feed generation finished", "account_id", id, "reason", reason, "forced", forced, "admitted", len(r.admitted))
	return reason
}

func (g *Generator) loop(ctx context.Context, r *run) string {
	for iter := 0; iter < g.opts.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return ReasonStopped
		}

		a, err := g.accounts.Analysis(ctx, r.id)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonStopped
			}
			slog.ErrorContext(ctx, "failed to load analysis", "account_id", r.id, "error", err)
			return ReasonFailed
		}
		if a == nil {
			return ReasonMissing
		}

		// 1. Wait for the analyzer when there is nothing to recommend from
		if !a.HasHistory() {
			if !r.asked {
				g.queue.Add(account.RequestAnalysisOp(r.id))
				r.asked = true
			}
			if !sleep(ctx, g.opts.HistoryWait) {
				return ReasonStopped
			}
			continue
		}

		// 2. Stop once the feed is long enough
		feedLen := len(a.Feed) + g.unflushed(r, a.Feed)
		if feedLen >= g.opts.TargetLen {
			return ReasonSatisfied
		}

		if err := g.step(ctx, r, a, iter, g.opts.TargetLen-feedLen); err != nil {
			if ctx.Err() != nil {
				return ReasonStopped
			}
			slog.WarnContext(ctx, "feed iteration failed", "account_id", r.id, "iteration", iter, "error", err)
		}
		if !sleep(ctx, g.opts.IterationSleep) {
			return ReasonStopped
		}
	}
	return ReasonCapped
}

// step runs one admission round, adding at most room items.
func (g *Generator) step(ctx context.Context, r *run, a *account.Analysis, iter, room int) error {
	// 3. Languages the account engages with
	if counts := [2]int{len(a.Posts), len(a.Votes)}; counts != r.counts || len(r.langs) == 0 {
		aff, err := g.accounts.AffinityOf(ctx, a)
		if err != nil {
			return err
		}
		r.langs = r.langs[:0]
		for _, l := range aff.TopLanguages(g.opts.LangThreshold) {
			r.langs = append(r.langs, l.Lang)
		}
		r.counts = counts
	}
	if len(r.langs) == 0 {
		return nil
	}

	// 4. Neighbors of a sample of the account's own content
	if !g.index.Ready() {
		g.index.RequestRebuild()
		return nil
	}
	seeds := append(g.sample(a.Posts), g.sample(a.Votes)...)
	hits, err := g.index.Query(ctx, seeds, g.opts.BaseK+iter*g.opts.KStep)
	if err != nil {
		return err
	}

	// 5. Drop what the account has seen and what is in the wrong language
	seen := make(map[int64]bool, len(a.Posts)+len(a.Votes)+len(a.Feed))
	for _, ids := range [][]int64{a.Posts, a.Votes, a.Feed} {
		for _, id := range ids {
			seen[id] = true
		}
	}
	var candidates []int64
	for _, seed := range seeds {
		for _, n := range hits[seed] {
			if !seen[n.ID] && !r.admitted[n.ID] {
				seen[n.ID] = true
				candidates = append(candidates, n.ID)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	candidates, err = g.content.FilterByLang(ctx, candidates, r.langs)
	if err != nil || len(candidates) == 0 {
		return err
	}

	// 6. Admit a random subset that fits
	g.shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > room {
		candidates = candidates[:room]
	}
	g.queue.Add(account.AdmitFeedOp(r.id, candidates))
	now := g.now()
	for _, id := range candidates {
		r.admitted[id] = true
		r.pending[id] = now
	}
	metrics.FeedItemsAdmittedTotal.Add(float64(len(candidates)))
	return nil
}

// unflushed counts admitted ids that are still on their way to the stored feed.
// An id leaves the count once it is seen in feed, or after AdmitGrace, by
// which time it was either flushed and already consumed or dropped.
func (g *Generator) unflushed(r *run, feed []int64) int {
	now := g.now()
	for id, at := range r.pending {
		if slices.Contains(feed, id) || now.Sub(at) > g.opts.AdmitGrace {
			delete(r.pending, id)
		}
	}
	return len(r.pending)
}

// sample picks up to SampleSize ids without replacement.
func (g *Generator) sample(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	if len(out) <= g.opts.SampleSize {
		return out
	}
	g.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out[:g.opts.SampleSize]
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
