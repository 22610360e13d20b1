package feed

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/features/account"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/similarity"
)

// --- Fakes ---

type fakeAccounts struct {
	mu       sync.Mutex
	analysis *account.Analysis
	// history replaces analysis after this many Analysis calls, if set.
	history   *account.Analysis
	after     int
	calls     int
	langs     map[string]float64
	requested []int64
	excludes  [][]int64
	// flagged mirrors make_feed_requested; begins records BeginFeed resets.
	flagged bool
	begins  []bool
	// during runs inside Analysis with the call number, before it answers.
	during func(call int)
}

func (f *fakeAccounts) BeginFeed(_ context.Context, _ int64, reset bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged = false
	f.begins = append(f.begins, reset)
	if reset && f.analysis != nil {
		f.analysis.Feed = nil
	}
	return nil
}

func (f *fakeAccounts) state() (bool, []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagged, append([]bool(nil), f.begins...)
}

func (f *fakeAccounts) FeedRequested(_ context.Context, exclude []int64, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excludes = append(f.excludes, exclude)
	n := min(limit, len(f.requested))
	out := f.requested[:n]
	f.requested = f.requested[n:]
	return out, nil
}

func (f *fakeAccounts) Analysis(context.Context, int64) (*account.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.during != nil {
		f.during(f.calls)
	}
	if f.history != nil && f.calls > f.after {
		return f.history, nil
	}
	return f.analysis, nil
}

func (f *fakeAccounts) AffinityOf(context.Context, *account.Analysis) (account.Affinity, error) {
	return account.Affinity{Langs: f.langs}, nil
}

// langContent answers membership queries from a fixed id -> language table.
type langContent map[int64]string

func (c langContent) FilterByLang(_ context.Context, ids []int64, langs []string) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		if slices.Contains(langs, c[id]) {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeIndex struct {
	ready     bool
	rebuilds  atomic.Int32
	neighbors map[int64][]int64
	ks        []int
}

func (f *fakeIndex) Ready() bool     { return f.ready }
func (f *fakeIndex) RequestRebuild() { f.rebuilds.Add(1) }

func (f *fakeIndex) Query(_ context.Context, ids []int64, k int) (map[int64][]similarity.Neighbor, error) {
	f.ks = append(f.ks, k)
	out := map[int64][]similarity.Neighbor{}
	for _, id := range ids {
		for i, n := range f.neighbors[id] {
			if i == k {
				break
			}
			out[id] = append(out[id], similarity.Neighbor{ID: n, Distance: float32(i) / 10})
		}
	}
	return out, nil
}

type recordingQueue struct {
	mu  sync.Mutex
	ops []batch.Op
}

func (q *recordingQueue) Add(op batch.Op) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

func (q *recordingQueue) snapshot() []batch.Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]batch.Op(nil), q.ops...)
}

// admitted collects the ids of every AdmitFeedOp, in order.
func (q *recordingQueue) admitted() []int64 {
	want := account.AdmitFeedOp(0, nil).Query
	var out []int64
	for _, op := range q.snapshot() {
		if op.Query == want {
			out = append(out, *op.Args[1].(*pq.Int64Array)...)
		}
	}
	return out
}

func (q *recordingQueue) count(op batch.Op) int {
	n := 0
	for _, o := range q.snapshot() {
		if o.Query == op.Query {
			n++
		}
	}
	return n
}

// --- Helpers ---

var testOptions = Options{
	TargetLen:     2,
	SampleSize:    25,
	BaseK:         10,
	KStep:         2,
	MaxIterations: 5,
	LangThreshold: 0.15,
	HistoryWait:   time.Millisecond,
	Poll:          5 * time.Millisecond,
	AdmitGrace:    10 * time.Second,
}

func newTestGenerator(a *fakeAccounts, idx *fakeIndex, q *recordingQueue, opts Options) *Generator {
	g := NewGenerator(a, langContent{3: "en", 4: "fr", 5: "de", 6: "en", 7: "en"}, idx, q, opts)
	g.shuffle = func(int, func(i, j int)) {}
	return g
}

func history() *account.Analysis {
	return &account.Analysis{AccountID: 1, Posts: []int64{1}, Votes: []int64{2}, MakeFeedRequested: true}
}

// --- Tests ---

func TestGenerate_AdmitsOnlyTopLanguages(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 0.8, "de": 0.2}}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{
		1: {2, 4, 3},
		2: {1, 5, 4},
	}}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), 1, false))

	admitted := q.admitted()
	assert.ElementsMatch(t, []int64{3, 5}, admitted)
	assert.NotContains(t, admitted, int64(4), "french content is never admitted")
	assert.NotContains(t, admitted, int64(1), "own posts are never admitted")
	_, begins := accounts.state()
	assert.Equal(t, []bool{false}, begins)
	assert.Zero(t, q.count(account.RequestFeedOp(1)))
}

func TestGenerate_MinorLanguageIsDropped(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 0.9, "de": 0.1}}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: {5, 3, 6}}}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), 1, false))
	assert.Equal(t, []int64{3, 6}, q.admitted())
}

func TestGenerate_FullFeedStopsImmediately(t *testing.T) {
	a := history()
	a.Feed = []int64{10, 11}
	accounts := &fakeAccounts{analysis: a, langs: map[string]float64{"en": 1}}
	idx := &fakeIndex{ready: true}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), 1, false))
	assert.Empty(t, idx.ks)
	assert.Empty(t, q.snapshot())
}

func TestGenerate_TopUpsNeverGrowFullFeed(t *testing.T) {
	a := history()
	a.Feed = []int64{20, 21, 22, 23, 24}
	neighbors := make([]int64, 0, 100)
	langs := langContent{}
	for id := int64(100); id < 200; id++ {
		neighbors = append(neighbors, id)
		langs[id] = "en"
	}
	accounts := &fakeAccounts{analysis: a, langs: map[string]float64{"en": 1}}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: neighbors}}
	q := &recordingQueue{}
	opts := testOptions
	opts.TargetLen = 5
	g := NewGenerator(accounts, langs, idx, q, opts)

	// Every feed read nudges a run; none of them may stack on a full feed.
	for range 3 {
		g.Nudge(1)
		r := <-g.requests
		assert.False(t, r.forced)
		assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), r.id, r.forced))
	}
	assert.Empty(t, q.admitted())
	assert.Len(t, a.Feed, 5)
}

func TestGenerate_ForcedRunReplacesFeed(t *testing.T) {
	a := history()
	a.Feed = []int64{10, 11}
	accounts := &fakeAccounts{analysis: a, langs: map[string]float64{"en": 1}}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: {3, 10, 6, 7}}}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	g.Rebuild(1)
	r := <-g.requests
	require.True(t, r.forced)
	assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), r.id, r.forced))

	_, begins := accounts.state()
	assert.Equal(t, []bool{true}, begins, "the old feed is dropped before refilling")
	assert.Equal(t, []int64{3, 6}, q.admitted(), "a rebuild fills up to the target, not past it")
}

func TestGenerate_RequestDuringRunIsKept(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 1}, flagged: true}
	// A feed read lands while the run is in flight.
	accounts.during = func(call int) {
		if call == 2 {
			accounts.flagged = true
		}
	}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: {3}, 2: {6}}}
	q := &recordingQueue{}
	opts := testOptions
	opts.TargetLen = 3
	opts.MaxIterations = 3
	g := newTestGenerator(accounts, idx, q, opts)

	g.Generate(context.Background(), 1, false)

	flagged, begins := accounts.state()
	assert.True(t, flagged, "the request made mid-run must survive it")
	assert.Len(t, begins, 1)
}

func TestGenerate_DrainedAdmissionsStopCounting(t *testing.T) {
	clock := time.Unix(1717200000, 0)
	flushed := history()
	flushed.Feed = []int64{3} // 6 was flushed and already read
	accounts := &fakeAccounts{analysis: history(), history: flushed, after: 1, langs: map[string]float64{"en": 1}}
	accounts.during = func(call int) {
		if call == 2 {
			clock = clock.Add(time.Minute)
		}
	}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: {3, 6, 7}}}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)
	g.now = func() time.Time { return clock }

	assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), 1, false))
	assert.Equal(t, []int64{3, 6, 7}, q.admitted(), "a drained admission leaves room for another")
}

func TestGenerate_StoppedRunRequestsAgain(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 1}}
	idx := &fakeIndex{ready: true}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, ReasonStopped, g.Generate(ctx, 1, false))
	assert.Equal(t, []batch.Op{account.RequestFeedOp(1)}, q.snapshot())
}

func TestGenerate_GrowsKPerIteration(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 1}}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: {4, 5}}}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	assert.Equal(t, ReasonCapped, g.Generate(context.Background(), 1, false))
	assert.Equal(t, []int{10, 12, 14, 16, 18}, idx.ks)
	assert.Empty(t, q.admitted())
	assert.Zero(t, q.count(account.RequestFeedOp(1)), "a capped run is finished, not retried")
}

func TestGenerate_WaitsForHistory(t *testing.T) {
	accounts := &fakeAccounts{
		analysis: &account.Analysis{AccountID: 1},
		history:  history(),
		after:    2,
		langs:    map[string]float64{"en": 1},
	}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{2: {3, 6}}}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	assert.Equal(t, ReasonSatisfied, g.Generate(context.Background(), 1, false))
	assert.Equal(t, 1, q.count(account.RequestAnalysisOp(1)), "analysis is requested once")
	assert.Equal(t, account.RequestAnalysisOp(1), q.snapshot()[0])
	assert.Equal(t, []int64{3, 6}, q.admitted())
}

func TestGenerate_MissingIndexRequestsRebuild(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 1}}
	idx := &fakeIndex{}
	q := &recordingQueue{}
	g := newTestGenerator(accounts, idx, q, testOptions)

	assert.Equal(t, ReasonCapped, g.Generate(context.Background(), 1, false))
	assert.Equal(t, int32(testOptions.MaxIterations), idx.rebuilds.Load())
	assert.Empty(t, q.admitted())
}

func TestGenerate_DeletedAccount(t *testing.T) {
	q := &recordingQueue{}
	g := newTestGenerator(&fakeAccounts{}, &fakeIndex{ready: true}, q, testOptions)

	assert.Equal(t, ReasonMissing, g.Generate(context.Background(), 1, false))
	assert.Empty(t, q.snapshot())
}

func TestGenerator_Serve(t *testing.T) {
	accounts := &fakeAccounts{analysis: history(), langs: map[string]float64{"en": 1}, requested: []int64{1}}
	idx := &fakeIndex{ready: true, neighbors: map[int64][]int64{1: {3, 6}}}
	q := &recordingQueue{}
	opts := testOptions
	opts.MaxInFlight = 4
	g := newTestGenerator(accounts, idx, q, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx) }()

	require.Eventually(t, func() bool { return len(q.admitted()) == 2 && g.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, g.InFlight())
	assert.Equal(t, []int64{3, 6}, q.admitted())
}
