// Package similarity keeps a nearest-neighbor index over recent content vectors
// and swaps in a freshly built generation on a schedule.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
)

type generation struct {
	index   Index
	builtAt time.Time
}

// Manager owns the live index generation. Readers load it lock-free and keep
// using the old generation until the swap.
type Manager struct {
	source   Source
	builder  Builder
	window   time.Duration
	interval time.Duration
	now      func() time.Time

	live    atomic.Pointer[generation]
	buildMu sync.Mutex
	pending chan struct{}
}

func NewManager(source Source, builder Builder, window, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Manager{
		source:   source,
		builder:  builder,
		window:   window,
		interval: interval,
		now:      time.Now,
		pending:  make(chan struct{}, 1),
	}
}

// Load installs idx as the live generation, e.g. a snapshot read at startup.
func (m *Manager) Load(idx Index) {
	m.live.Store(&generation{index: idx, builtAt: m.now()})
	metrics.IndexSize.Set(float64(idx.Len()))
}

// Ready reports whether a generation is live.
func (m *Manager) Ready() bool { return m.live.Load() != nil }

// RequestRebuild asks Serve to rebuild soon. Concurrent requests coalesce.
func (m *Manager) RequestRebuild() {
	select {
	case m.pending <- struct{}{}:
	default:
	}
}

// Rebuild builds a generation from the content window and swaps it in.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	start := m.now()
	items, err := m.source.Vectors(ctx, start.Add(-m.window))
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	idx, err := m.builder.Build(ctx, items)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	old := m.live.Swap(&generation{index: idx, builtAt: start})
	elapsed := m.now().Sub(start)
	metrics.IndexSize.Set(float64(idx.Len()))
	metrics.IndexRebuildDuration.Observe(elapsed.Seconds())
	slog.InfoContext(ctx, "similarity index rebuilt", "items", idx.Len(), "duration_ms", elapsed.Milliseconds())

	if old != nil {
		if err := m.builder.Retire(ctx, old.index); err != nil {
			slog.WarnContext(ctx, "failed to retire index generation", "error", err)
		}
	}
	return nil
}

// Query returns the k nearest neighbors of each id that has a stored vector,
// excluding the id itself. Without a live generation the result is empty.
func (m *Manager) Query(ctx context.Context, ids []int64, k int) (map[int64][]Neighbor, error) {
	out := make(map[int64][]Neighbor, len(ids))
	g := m.live.Load()
	if g == nil || k <= 0 {
		return out, nil
	}

	for _, id := range ids {
		vec, ok := g.index.Vector(id)
		if !ok {
			continue
		}
		hits, err := g.index.Search(ctx, vec, k+1)
		if err != nil {
			return nil, err
		}
		neighbors := make([]Neighbor, 0, k)
		for _, h := range hits {
			if h.ID == id {
				continue
			}
			if len(neighbors) == k {
				break
			}
			neighbors = append(neighbors, h)
		}
		out[id] = neighbors
	}
	return out, nil
}

// QueryVector searches the live generation for an arbitrary vector.
func (m *Manager) QueryVector(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	g := m.live.Load()
	if g == nil {
		return []Neighbor{}, nil
	}
	return g.index.Search(ctx, vec, k)
}

func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if !m.Ready() {
		m.RequestRebuild()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.pending:
		}
		rctx := middleware.NewCorrelation(ctx)
		if err := m.Rebuild(rctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(rctx, "similarity index rebuild failed", "error", err)
		}
	}
}

func (m *Manager) String() string { return "similarity-index" }
