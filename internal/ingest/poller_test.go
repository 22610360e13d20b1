package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/features/account"
	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/chain"
)

// --- Fakes ---

// world is an in-memory store that inserts content, creates accounts and applies
// flushed vote and profile ops with the same matching rules as their SQL.
type world struct {
	mu       sync.Mutex
	nextID   int64
	content  map[[2]string]int64
	accounts map[string]int64
	votes    map[int64]map[int64]bool
	profiles map[string]account.Profile
	inserts  int
}

func newWorld() *world {
	return &world{
		nextID:   100,
		content:  map[[2]string]int64{},
		accounts: map[string]int64{},
		votes:    map[int64]map[int64]bool{},
		profiles: map[string]account.Profile{},
	}
}

func (w *world) Insert(_ context.Context, c chain.Content) (content.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := [2]string{c.Author, c.Permlink}
	if id, ok := w.content[key]; ok {
		return content.Result{Outcome: content.Exists, ID: id}, nil
	}
	w.nextID++
	w.content[key] = w.nextID
	w.inserts++
	return content.Result{Outcome: content.Inserted, ID: w.nextID}, nil
}

func (w *world) EnsureAccounts(_ context.Context, names []string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, name := range names {
		if _, ok := w.accounts[name]; ok {
			continue
		}
		w.nextID++
		w.accounts[name] = w.nextID
		n++
	}
	return n, nil
}

var (
	voteQuery    = content.VoteOp("", "", "").Query
	profileQuery = account.SetProfileOp("", account.Profile{}).Query
)

func (w *world) WriteUnordered(_ context.Context, _ string, ops []batch.Op) (batch.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var res batch.Result
	for _, op := range ops {
		switch op.Query {
		case voteQuery:
			cid, ok := w.content[[2]string{op.Args[0].(string), op.Args[1].(string)}]
			voter, vok := w.accounts[op.Args[2].(string)]
			if ok && vok {
				if w.votes[cid] == nil {
					w.votes[cid] = map[int64]bool{}
				}
				w.votes[cid][voter] = true
			}
		case profileQuery:
			name := op.Args[0].(string)
			if _, ok := w.accounts[name]; ok {
				var p account.Profile
				if err := json.Unmarshal(op.Args[1].([]byte), &p); err != nil {
					res.Failed++
					continue
				}
				w.profiles[name] = p
			}
		}
		res.Applied++
	}
	return res, nil
}

func (w *world) votesOn(author, permlink string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.votes[w.content[[2]string{author, permlink}]])
}

type memCheckpoints struct {
	mu  sync.Mutex
	val map[string]int64
}

func (c *memCheckpoints) Get(_ context.Context, tag string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.val[tag]
	return v, ok, nil
}

func (c *memCheckpoints) Set(_ context.Context, tag string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val[tag] = value
	return nil
}

func (c *memCheckpoints) current() int64 {
	v, _, _ := c.Get(context.Background(), CheckpointTag)
	return v
}

type fakeChain struct {
	head    int64
	fetched *[]int64
	mu      *sync.Mutex
	closed  *atomic.Int32
}

func (f *fakeChain) HeadBlockNum(context.Context) (int64, error) { return f.head, nil }

func (f *fakeChain) Blocks(_ context.Context, start int64, count int) ([]chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.Block
	for n := start; n < start+int64(count) && n <= f.head; n++ {
		*f.fetched = append(*f.fetched, n)
		out = append(out, chain.Block{Num: n, Timestamp: time.Now().UTC()})
	}
	return out, nil
}

func (f *fakeChain) Close() { f.closed.Add(1) }

// --- Helpers ---

func op(t *testing.T, typ string, v any) chain.Operation {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return chain.Operation{Type: typ, Value: raw}
}

func postOp(t *testing.T, author, permlink string) chain.Operation {
	return op(t, chain.OpComment, chain.CommentOp{
		Author: author, Permlink: permlink, Title: "t", Body: "b", JSONMetadata: `{"tags":["hive"]}`,
	})
}

func voteOp(t *testing.T, voter, author, permlink string) chain.Operation {
	return op(t, chain.OpVote, chain.VoteOp{Voter: voter, Author: author, Permlink: permlink, Weight: 10000})
}

func newTestPoller(w *world, cp *memCheckpoints, newClient func() Chain, opts Options) *Poller {
	coord := batch.NewCoordinator(w, time.Hour)
	return NewPoller(newClient, cp, w, w, coord, opts)
}

// --- Tests ---

func TestPoller_ProcessIsIdempotent(t *testing.T) {
	w := newWorld()
	p := newTestPoller(w, &memCheckpoints{val: map[string]int64{}}, nil, Options{})
	blocks := []chain.Block{{
		Num: 1,
		Operations: []chain.Operation{
			postOp(t, "alice", "p1"),
			voteOp(t, "bob", "alice", "p1"),
			op(t, chain.OpAccountUpdate2, chain.AccountUpdateOp{Account: "carol", PostingJSONMetadata: `{"profile":{"name":"Carol"}}`}),
		},
	}}

	require.NoError(t, p.Process(context.Background(), blocks))
	snapshot := func() (int, int, int, int) {
		return w.inserts, len(w.accounts), w.votesOn("alice", "p1"), len(w.profiles)
	}
	i1, a1, v1, p1 := snapshot()

	require.NoError(t, p.Process(context.Background(), blocks))
	i2, a2, v2, p2 := snapshot()

	assert.Equal(t, []int{1, 3, 1, 1}, []int{i1, a1, v1, p1})
	assert.Equal(t, []int{i1, a1, v1, p1}, []int{i2, a2, v2, p2})
	assert.Equal(t, "Carol", w.profiles["carol"].DisplayName)
}

func TestPoller_VoteOnMissingContent(t *testing.T) {
	w := newWorld()
	p := newTestPoller(w, &memCheckpoints{val: map[string]int64{}}, nil, Options{})
	ctx := context.Background()

	// Block N: vote on content that is not stored.
	require.NoError(t, p.Process(ctx, []chain.Block{{Num: 1, Operations: []chain.Operation{voteOp(t, "alice", "bob", "p")}}}))
	assert.Zero(t, w.votesOn("bob", "p"))
	_, stored := w.content[[2]string{"bob", "p"}]
	assert.False(t, stored)

	// Block N+1: the content is created.
	require.NoError(t, p.Process(ctx, []chain.Block{{Num: 2, Operations: []chain.Operation{postOp(t, "bob", "p")}}}))
	assert.Zero(t, w.votesOn("bob", "p"))

	// Block N+2: a vote now lands.
	require.NoError(t, p.Process(ctx, []chain.Block{{Num: 3, Operations: []chain.Operation{voteOp(t, "alice", "bob", "p")}}}))
	assert.Equal(t, 1, w.votesOn("bob", "p"))
}

// strictInserter rejects bodies the way Postgres rejects a NUL in TEXT and
// defers everything else to the world.
type strictInserter struct {
	*world
	rejected int
}

func (s *strictInserter) Insert(ctx context.Context, c chain.Content) (content.Result, error) {
	if strings.ContainsRune(c.Body, 0) {
		s.rejected++
		return content.Result{}, errors.New(`pq: invalid byte sequence for encoding "UTF8": 0x00`)
	}
	return s.world.Insert(ctx, c)
}

func TestPoller_ProcessSkipsRejectedPost(t *testing.T) {
	w := newWorld()
	ins := &strictInserter{world: w}
	coord := batch.NewCoordinator(w, time.Hour)
	p := NewPoller(nil, &memCheckpoints{val: map[string]int64{}}, ins, w, coord, Options{})

	bad := op(t, chain.OpComment, chain.CommentOp{
		Author: "eve", Permlink: "bad", Title: "t", Body: "bad\u0000body", JSONMetadata: `{}`,
	})
	blocks := []chain.Block{{Num: 1, Operations: []chain.Operation{
		bad,
		postOp(t, "alice", "good"),
		voteOp(t, "bob", "alice", "good"),
	}}}

	// Replays must not get stuck on the same post.
	for range 3 {
		require.NoError(t, p.Process(context.Background(), blocks))
	}

	assert.Equal(t, 3, ins.rejected)
	assert.Equal(t, 1, w.inserts)
	assert.Equal(t, 1, w.votesOn("alice", "good"))
	_, stored := w.content[[2]string{"eve", "bad"}]
	assert.False(t, stored)
}

type failingAccounts struct{}

func (failingAccounts) EnsureAccounts(context.Context, []string) (int64, error) {
	return 0, errors.New("db down")
}

func TestPoller_ProcessFailureQueuesNothing(t *testing.T) {
	w := newWorld()
	coord := batch.NewCoordinator(w, time.Hour)
	p := NewPoller(nil, &memCheckpoints{val: map[string]int64{}}, w, failingAccounts{}, coord, Options{})

	err := p.Process(context.Background(), []chain.Block{{Operations: []chain.Operation{
		postOp(t, "alice", "p1"), voteOp(t, "bob", "alice", "p1"),
	}}})
	assert.Error(t, err)
	assert.Zero(t, coord.Pending())
}

func TestPoller_ServeAdvancesCheckpoint(t *testing.T) {
	w := newWorld()
	cp := &memCheckpoints{val: map[string]int64{}}
	var (
		mu      sync.Mutex
		fetched []int64
		closed  atomic.Int32
		created atomic.Int32
	)
	newClient := func() Chain {
		created.Add(1)
		return &fakeChain{head: 120, fetched: &fetched, mu: &mu, closed: &closed}
	}
	p := newTestPoller(w, cp, newClient, Options{
		Lookback:   20,
		Slack:      0,
		MaxBatch:   7,
		Idle:       10 * time.Millisecond,
		RecyclePct: 100,
	})
	p.roll = func() int { return 0 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	require.Eventually(t, func() bool { return cp.current() == 120 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fetched, 20)
	assert.Equal(t, int64(101), fetched[0])
	assert.Equal(t, int64(120), fetched[19])
	assert.Greater(t, created.Load(), int32(1), "client is recycled")
	assert.Equal(t, created.Load(), closed.Load(), "every client is closed")
}

func TestPoller_ServeResumesFromCheckpoint(t *testing.T) {
	w := newWorld()
	cp := &memCheckpoints{val: map[string]int64{CheckpointTag: 115}}
	var (
		mu      sync.Mutex
		fetched []int64
		closed  atomic.Int32
	)
	newClient := func() Chain { return &fakeChain{head: 120, fetched: &fetched, mu: &mu, closed: &closed} }
	p := newTestPoller(w, cp, newClient, Options{Lookback: 1000, MaxBatch: 500, Idle: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	require.Eventually(t, func() bool { return cp.current() == 120 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{116, 117, 118, 119, 120}, fetched)
}
