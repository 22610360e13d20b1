package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"hivediscover/backend/features/account"
	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
)

// Chain is the part of the chain client the poller needs.
type Chain interface {
	HeadBlockNum(ctx context.Context) (int64, error)
	Blocks(ctx context.Context, start int64, count int) ([]chain.Block, error)
	Close()
}

type Checkpoints interface {
	Get(ctx context.Context, tag string) (int64, bool, error)
	Set(ctx context.Context, tag string, value int64) error
}

type ContentInserter interface {
	Insert(ctx context.Context, c chain.Content) (content.Result, error)
}

type AccountEnsurer interface {
	EnsureAccounts(ctx context.Context, names []string) (int64, error)
}

// Writes is the deferred write path: queues for votes and profiles plus the
// flush that follows every batch.
type Writes interface {
	Queue(name string) *batch.Queue
	Flush(ctx context.Context)
}

type Options struct {
	Lookback     int64
	Slack        int64
	MaxBatch     int64
	Idle         time.Duration
	RecyclePct   int
	ErrorBackoff time.Duration
}

// Poller follows the chain head. A fetch stage reads block ranges and hands them
// over a channel to a fan-out stage, which stores their effects and then advances
// the checkpoint. Everything between two checkpoints is replayed after a crash.
type Poller struct {
	newClient   func() Chain
	checkpoints Checkpoints
	content     ContentInserter
	accounts    AccountEnsurer
	writes      Writes
	opts        Options
	roll        func() int
}

func NewPoller(newClient func() Chain, cp Checkpoints, c ContentInserter, a AccountEnsurer, w Writes, opts Options) *Poller {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	if opts.Idle <= 0 {
		opts.Idle = 30 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Poller{
		newClient:   newClient,
		checkpoints: cp,
		content:     c,
		accounts:    a,
		writes:      w,
		opts:        opts,
		roll:        func() int { return rand.IntN(100) },
	}
}

type fetched struct {
	start  int64
	blocks []chain.Block
}

func (b fetched) last() int64 { return b.start + int64(len(b.blocks)) - 1 }

// Serve runs both stages until ctx is cancelled or one of them fails.
func (p *Poller) Serve(ctx context.Context) error {
	client := p.newClient()
	current, err := p.startBlock(ctx, client)
	if err != nil {
		client.Close()
		return fmt.Errorf("resolve start block: %w", err)
	}
	slog.InfoContext(ctx, "ingestion starting", "block", current)

	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan fetched, 1)

	g.Go(func() error {
		defer close(ch)
		return p.fetchLoop(gctx, client, current, ch)
	})
	g.Go(func() error {
		return p.processLoop(gctx, ch)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Poller) String() string { return "ingest-poller" }

func (p *Poller) startBlock(ctx context.Context, client Chain) (int64, error) {
	v, ok, err := p.checkpoints.Get(ctx, CheckpointTag)
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	head, err := client.HeadBlockNum(ctx)
	if err != nil {
		return 0, err
	}
	return max(head-p.opts.Lookback, 0), nil
}

func (p *Poller) fetchLoop(ctx context.Context, client Chain, current int64, out chan<- fetched) error {
	defer func() { client.Close() }()

	for ctx.Err() == nil {
		next, wait := p.fetchOnce(ctx, client, current, out)
		current = next
		client = p.maybeRecycle(client)
		if wait > 0 && !sleep(ctx, wait) {
			break
		}
	}
	return nil
}

// fetchOnce runs one fetch cycle and returns the new cursor and how long to wait
// before the next cycle.
func (p *Poller) fetchOnce(ctx context.Context, client Chain, current int64, out chan<- fetched) (int64, time.Duration) {
	head, err := client.HeadBlockNum(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to read head block", "node", nodeOf(client), "error", err)
		return current, p.opts.ErrorBackoff
	}
	lag := head - current
	metrics.IngestHeadLag.Set(float64(lag))
	if lag <= p.opts.Slack {
		return current, p.opts.Idle
	}

	amount := min(lag, p.opts.MaxBatch)
	blocks, err := client.Blocks(ctx, current+1, int(amount))
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch blocks", "start", current+1, "count", amount, "error", err)
		return current, p.opts.ErrorBackoff
	}
	if len(blocks) == 0 {
		return current, p.opts.Idle
	}

	next := fetched{start: current + 1, blocks: blocks}
	select {
	case out <- next:
		return next.last(), 0
	case <-ctx.Done():
		return current, 0
	}
}

func (p *Poller) maybeRecycle(client Chain) Chain {
	if p.opts.RecyclePct <= 0 || p.roll() >= p.opts.RecyclePct {
		return client
	}
	client.Close()
	return p.newClient()
}

func (p *Poller) processLoop(ctx context.Context, in <-chan fetched) error {
	for b := range in {
		bctx := middleware.NewCorrelation(ctx)
		if err := p.Process(bctx, b.blocks); err != nil {
			return fmt.Errorf("process blocks %d-%d: %w", b.start, b.last(), err)
		}
		if err := p.checkpoints.Set(bctx, CheckpointTag, b.last()); err != nil {
			return fmt.Errorf("persist checkpoint %d: %w", b.last(), err)
		}
		metrics.IngestBlocksTotal.Add(float64(len(b.blocks)))
		metrics.IngestCurrentBlock.Set(float64(b.last()))
		slog.DebugContext(bctx, "blocks ingested", "from", b.start, "to", b.last())
	}
	return nil
}

// Process stores the effects of one block batch. Every step is idempotent, so a
// batch may be processed any number of times.
func (p *Poller) Process(ctx context.Context, blocks []chain.Block) error {
	ex := ExtractBlocks(blocks)

	var votes, profiles []batch.Op
	g, gctx := errgroup.WithContext(ctx)

	// 1. New content, written directly. A post the store rejects is skipped so
	// it cannot pin the checkpoint.
	g.Go(func() error {
		for _, post := range ex.Posts {
			if _, err := p.content.Insert(gctx, post); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				metrics.ContentInsertTotal.WithLabelValues("failed").Inc()
				slog.WarnContext(gctx, "skipping content that failed to insert",
					"author", post.Author, "permlink", post.Permlink, "error", err)
			}
		}
		return nil
	})

	// 2. Accounts for every referenced name
	g.Go(func() error {
		if _, err := p.accounts.EnsureAccounts(gctx, ex.Names); err != nil {
			return fmt.Errorf("ensure accounts: %w", err)
		}
		return nil
	})

	// 3. Vote set-adds
	g.Go(func() error {
		votes = make([]batch.Op, 0, len(ex.Votes))
		for _, v := range ex.Votes {
			votes = append(votes, content.VoteOp(v.Author, v.Permlink, v.Voter))
		}
		return nil
	})

	// 4. Profile overwrites
	g.Go(func() error {
		profiles = make([]batch.Op, 0, len(ex.Profiles))
		for _, u := range ex.Profiles {
			profiles = append(profiles, account.SetProfileOp(u.Account, account.ProfileFromChain(u.Profile)))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Votes and profiles reference rows created above, so they are only queued
	// once content and accounts exist.
	voteQ, profileQ := p.writes.Queue(content.QueueVotes), p.writes.Queue(account.QueueProfiles)
	for _, op := range votes {
		voteQ.Add(op)
	}
	for _, op := range profiles {
		profileQ.Add(op)
	}
	p.writes.Flush(ctx)
	return nil
}

func nodeOf(c Chain) string {
	if n, ok := c.(interface{ Node() string }); ok {
		return n.Node()
	}
	return ""
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
