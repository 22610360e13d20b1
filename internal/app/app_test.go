package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/internal/categorize"
	"hivediscover/backend/internal/config"
	"hivediscover/backend/internal/similarity"
	"hivediscover/backend/internal/supervisor"
)

func testConfig() *config.Config {
	return &config.Config{
		HiveNodes:    []string{"http://127.0.0.1:1"},
		IndexBackend: "memory",
		IDOversample: 20,
		IDMaxValue:   2147483647,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a, err := New(context.Background(), cfg, &Dependencies{DB: db})
	require.NoError(t, err)
	return a
}

func TestNew(t *testing.T) {
	a := newTestApp(t, testConfig())

	assert.NotNil(t, a.Accounts)
	assert.NotNil(t, a.Content)
	assert.NotNil(t, a.Analyzer)
	assert.NotNil(t, a.Feed)
	assert.NotNil(t, a.Categorizer)
	assert.Nil(t, a.embedder, "no key, no gemini client")
	assert.False(t, a.Index.Ready(), "no snapshot configured")
}

func TestNew_WeaviateBackendNeedsClient(t *testing.T) {
	cfg := testConfig()
	cfg.IndexBackend = "weaviate"

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(context.Background(), cfg, &Dependencies{DB: db})
	assert.Error(t, err)
}

func TestNew_WarmStartFromSnapshot(t *testing.T) {
	path := t.TempDir() + "/index.hnsw"
	h := similarity.NewHNSW(similarity.HNSWParams{})
	h.Add(1, []float32{1, 0})
	h.Add(2, []float32{0, 1})
	require.NoError(t, h.SaveSnapshot(path))

	cfg := testConfig()
	cfg.IndexSnapshotPath = path
	a := newTestApp(t, cfg)

	assert.True(t, a.Index.Ready())
}

func TestRoutes(t *testing.T) {
	a := newTestApp(t, testConfig())

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/nowhere", http.StatusNotFound},
		{"PUT", "/accounts/alice/feed", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			a.Handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRegister_AllStages(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAPI = true
	cfg.EnableIngestion = true
	cfg.EnableProfileBackfill = true
	cfg.EnableAnalyzer = true
	cfg.EnableFeed = true
	cfg.EnableCategorizer = true
	cfg.EnableReconciler = true
	a := newTestApp(t, cfg)

	tree := supervisor.NewTree(slog.New(slog.NewTextHandler(io.Discard, nil)), supervisor.TreeConfig{})
	assert.NotPanics(t, func() { a.Register(tree) })
}

func TestCategorizerSelection(t *testing.T) {
	a := &App{cfg: testConfig()}
	cat, err := a.categorizer(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &categorize.KeywordCategorizer{}, cat)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 2, calls)
}

func TestHTTPService(t *testing.T) {
	svc := NewHTTPService("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	addr, err := svc.Addr(ctx)
	require.NoError(t, err)
	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
