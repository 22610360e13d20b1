package batch_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/internal/batch"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches map[string][][]batch.Op
	order   []string
	err     error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{batches: make(map[string][][]batch.Op)}
}

func (f *fakeWriter) WriteUnordered(ctx context.Context, collection string, ops []batch.Op) (batch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, collection)
	f.batches[collection] = append(f.batches[collection], ops)
	if f.err != nil {
		return batch.Result{}, f.err
	}
	return batch.Result{Applied: len(ops)}, nil
}

func TestCoordinator_FlushCapturesAndEmptiesQueues(t *testing.T) {
	w := newFakeWriter()
	c := batch.NewCoordinator(w, time.Second)

	votes := c.Queue("content_votes")
	votes.Add(batch.Op{Query: "vote", Args: []any{"alice", "post-1", "bob"}})
	votes.Add(batch.Op{Query: "vote", Args: []any{"alice", "post-1", "carol"}})
	assert.Equal(t, 2, c.Pending())

	c.Flush(context.Background())

	require.Len(t, w.batches["content_votes"], 1)
	assert.Len(t, w.batches["content_votes"][0], 2)
	assert.Equal(t, "bob", w.batches["content_votes"][0][0].Args[2])
	assert.Equal(t, 0, c.Pending())

	// Nothing pending, nothing written.
	c.Flush(context.Background())
	assert.Len(t, w.batches["content_votes"], 1)
}

func TestCoordinator_FlushesInRegistrationOrder(t *testing.T) {
	w := newFakeWriter()
	c := batch.NewCoordinator(w, time.Second)

	profiles := c.Queue("account_profiles")
	votes := c.Queue("content_votes")

	votes.Add(batch.Op{Query: "v"})
	profiles.Add(batch.Op{Query: "p"})
	c.Flush(context.Background())

	assert.Equal(t, []string{"account_profiles", "content_votes"}, w.order)
}

func TestCoordinator_QueueIsReused(t *testing.T) {
	c := batch.NewCoordinator(newFakeWriter(), time.Second)
	assert.Same(t, c.Queue("feed"), c.Queue("feed"))
}

func TestCoordinator_FailedBatchIsDropped(t *testing.T) {
	w := newFakeWriter()
	w.err = errors.New("store unavailable")

	var observed []error
	c := batch.NewCoordinator(w, time.Second).WithObserver(func(collection string, res batch.Result, err error) {
		observed = append(observed, err)
	})

	c.Queue("feed").Add(batch.Op{Query: "f"})
	c.Flush(context.Background())

	assert.Equal(t, 0, c.Pending(), "failed batches are not re-queued")
	require.Len(t, observed, 1)
	assert.Error(t, observed[0])
}

func TestCoordinator_ServeFlushesOnShutdown(t *testing.T) {
	w := newFakeWriter()
	c := batch.NewCoordinator(w, time.Hour)
	c.Queue("feed").Add(batch.Op{Query: "f"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Serve(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.batches["feed"], 1)
}

func TestCoordinator_ConcurrentAdds(t *testing.T) {
	w := newFakeWriter()
	c := batch.NewCoordinator(w, time.Second)
	q := c.Queue("content_votes")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Add(batch.Op{Query: "v"})
			}
		}()
	}
	wg.Wait()
	c.Flush(context.Background())

	total := 0
	for _, b := range w.batches["content_votes"] {
		total += len(b)
	}
	assert.Equal(t, 1000, total)
}

func TestPostgresWriter_PartialFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := batch.NewPostgresWriter(db)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT op").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE a")).WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SAVEPOINT op").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT b")).WithArgs(2).WillReturnError(errors.New("duplicate key"))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT op").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT op").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE c")).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := w.WriteUnordered(context.Background(), "test", []batch.Op{
		{Query: "UPDATE a", Args: []any{1}},
		{Query: "INSERT b", Args: []any{2}},
		{Query: "UPDATE c", Args: []any{3}},
	})
	require.NoError(t, err)
	assert.Equal(t, batch.Result{Applied: 2, Failed: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriter_BeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err = batch.NewPostgresWriter(db).WriteUnordered(context.Background(), "test", []batch.Op{{Query: "UPDATE a"}})
	assert.Error(t, err)
}
