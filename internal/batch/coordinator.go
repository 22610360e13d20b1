// Package batch defers writes into per-collection queues and flushes them as
// unordered bulk writes.
//
// Every Op must be idempotent: a set-add, an unconditional overwrite, or an
// insert-if-absent. A failing op never aborts its siblings, and a batch that fails
// as a whole is logged and dropped rather than retried.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Op is one deferred mutation.
type Op struct {
	Query string
	Args  []any
}

// Result summarizes one unordered bulk write.
type Result struct {
	Applied int
	Failed  int
}

// Writer submits a captured batch. Item failures are reported in Result; the error
// is reserved for failures of the batch as a whole.
type Writer interface {
	WriteUnordered(ctx context.Context, collection string, ops []Op) (Result, error)
}

// Observer receives flush outcomes, typically to feed metrics.
type Observer func(collection string, res Result, err error)

// Queue is the pending-write list of one collection.
type Queue struct {
	name    string
	mu      sync.Mutex
	pending []Op
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Add(op Op) {
	q.mu.Lock()
	q.pending = append(q.pending, op)
	q.mu.Unlock()
}

// Len reports the number of ops waiting for the next flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) swap() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.pending
	q.pending = nil
	return ops
}

type Coordinator struct {
	writer   Writer
	interval time.Duration
	observe  Observer

	mu     sync.Mutex
	queues []*Queue
	byName map[string]*Queue

	// flushMu serializes flushes so an explicit Flush and the ticker never interleave.
	flushMu sync.Mutex
}

func NewCoordinator(w Writer, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Coordinator{
		writer:   w,
		interval: interval,
		byName:   make(map[string]*Queue),
	}
}

// WithObserver registers a callback invoked after each collection flush.
func (c *Coordinator) WithObserver(o Observer) *Coordinator {
	c.observe = o
	return c
}

// Queue returns the named queue, registering it on first use. Queues are flushed in
// registration order.
func (c *Coordinator) Queue(name string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.byName[name]; ok {
		return q
	}
	q := &Queue{name: name}
	c.byName[name] = q
	c.queues = append(c.queues, q)
	return q
}

// Pending reports the total number of ops waiting across all queues.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	queues := append([]*Queue(nil), c.queues...)
	c.mu.Unlock()

	n := 0
	for _, q := range queues {
		n += q.Len()
	}
	return n
}

// Flush swaps every queue for an empty one and writes the captured batches.
func (c *Coordinator) Flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	queues := append([]*Queue(nil), c.queues...)
	c.mu.Unlock()

	for _, q := range queues {
		ops := q.swap()
		if len(ops) == 0 {
			continue
		}
		res, err := c.writer.WriteUnordered(ctx, q.name, ops)
		if err != nil {
			slog.ErrorContext(ctx, "bulk write failed, dropping batch", "collection", q.name, "ops", len(ops), "error", err)
		} else if res.Failed > 0 {
			slog.WarnContext(ctx, "bulk write partially failed", "collection", q.name, "applied", res.Applied, "failed", res.Failed)
		}
		if c.observe != nil {
			c.observe(q.name, res, err)
		}
	}
}

// Serve flushes on a fixed cadence until ctx is cancelled, then flushes once more.
func (c *Coordinator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The final flush must outlive the cancelled context.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			c.Flush(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

func (c *Coordinator) String() string { return "batch-coordinator" }
