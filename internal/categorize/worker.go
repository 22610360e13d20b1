package categorize

import (
	"context"
	"log/slog"
	"time"

	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
	"hivediscover/backend/internal/text"
)

type Store interface {
	// Pending returns texts whose categories or languages are not set yet and
	// whose id is above after, in id order.
	Pending(ctx context.Context, after int64, limit int) ([]content.Text, error)
	Texts(ctx context.Context, contentIDs []int64) ([]content.Text, error)
	SetAnalysis(ctx context.Context, id int64, cats content.Categories, langs content.Langs) error
}

// Worker fills in categories and languages for new content, both for ids it
// is nudged about and by sweeping whatever is still pending.
type Worker struct {
	store     Store
	cat       Categorizer
	batchSize int
	idle      time.Duration
	nudges    chan int64

	// cursor is the last id the sweep paged past; zero starts a new pass.
	cursor int64
}

func NewWorker(store Store, cat Categorizer, batchSize int, idle time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if idle <= 0 {
		idle = 10 * time.Second
	}
	return &Worker{store: store, cat: cat, batchSize: batchSize, idle: idle, nudges: make(chan int64, 256)}
}

// Nudge queues id for prompt categorization. It never blocks; a dropped id is
// still found by the sweep.
func (w *Worker) Nudge(id int64) {
	select {
	case w.nudges <- id:
	default:
	}
}

func (w *Worker) Serve(ctx context.Context) error {
	for {
		wait := w.idle
		_, err := w.Sweep(middleware.NewCorrelation(ctx))
		if err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "categorize sweep failed", "error", err)
		}
		if err == nil && w.cursor != 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case id := <-w.nudges:
			timer.Stop()
			w.handleNudges(ctx, id)
		}
	}
}

func (w *Worker) String() string { return "categorizer" }

func (w *Worker) handleNudges(ctx context.Context, first int64) {
	ids := []int64{first}
drain:
	for len(ids) < w.batchSize {
		select {
		case id := <-w.nudges:
			ids = append(ids, id)
		default:
			break drain
		}
	}

	ctx = middleware.NewCorrelation(ctx)
	texts, err := w.store.Texts(ctx, ids)
	if err != nil {
		slog.WarnContext(ctx, "failed to load texts", "count", len(ids), "error", err)
		return
	}
	w.Process(ctx, texts)
}

// Sweep processes the next page of pending texts and returns how many were
// stored. Items that fail stay pending but are not retried until the pass
// reaches the end of the backlog and starts over.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	texts, err := w.store.Pending(ctx, w.cursor, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(texts) < w.batchSize {
		w.cursor = 0
	} else {
		w.cursor = texts[len(texts)-1].ID
	}
	return w.Process(ctx, texts), nil
}

// Process scores each text and stores the result, returning the number stored.
// Failures are logged and the item stays pending.
func (w *Worker) Process(ctx context.Context, texts []content.Text) int {
	stored := 0
	for _, t := range texts {
		if ctx.Err() != nil {
			break
		}
		outcome := w.analyze(ctx, t)
		metrics.CategorizedTotal.WithLabelValues(outcome).Inc()
		if outcome != "failed" {
			stored++
		}
	}
	return stored
}

func (w *Worker) analyze(ctx context.Context, t content.Text) string {
	vec, ok, err := w.cat.Categorize(ctx, t.Title, t.Body, text.SplitTags(t.TagStr))
	if err != nil {
		slog.WarnContext(ctx, "categorize failed", "content_id", t.ID, "error", err)
		return "failed"
	}

	cats, outcome := content.Insufficient(), "insufficient"
	if ok {
		cats, outcome = content.Scored(vec), "scored"
	}
	if err := w.store.SetAnalysis(ctx, t.ID, cats, DetectLangs(t.Title, t.Body)); err != nil {
		slog.WarnContext(ctx, "failed to store analysis", "content_id", t.ID, "error", err)
		return "failed"
	}
	return outcome
}
