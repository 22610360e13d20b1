package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hivediscover/backend/features/account"
	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/adapter/gemini"
	wstore "hivediscover/backend/internal/adapter/weaviate"
	"hivediscover/backend/internal/analyzer"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/categorize"
	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/config"
	"hivediscover/backend/internal/feed"
	"hivediscover/backend/internal/ids"
	"hivediscover/backend/internal/ingest"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
	"hivediscover/backend/internal/similarity"
	"hivediscover/backend/internal/supervisor"
	"hivediscover/backend/internal/worker"
)

// Publisher sends nudges. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// App holds every component of one process. Which of them run is decided by
// the stage toggles in Register.
type App struct {
	Handler http.Handler

	Accounts    *account.Service
	Content     *content.Service
	Coordinator *batch.Coordinator
	Index       *similarity.Manager
	Analyzer    *analyzer.Analyzer
	Feed        *feed.Generator
	Categorizer *categorize.Worker
	Poller      *ingest.Poller
	Profiles    *ingest.ProfileBackfill
	Reconciler  *content.Reconciler

	cfg      *config.Config
	embedder *gemini.Embedder
}

func New(ctx context.Context, cfg *config.Config, deps *Dependencies) (*App, error) {
	db := deps.DB

	// Nudges are optional; a nil publisher leaves only the polling path.
	var pub Publisher
	if deps.Producer != nil {
		pub = deps.Producer
	}

	// Deferred writes
	coordinator := batch.NewCoordinator(batch.NewPostgresWriter(db), config.Millis(cfg.BatchFlushMS)).
		WithObserver(observeBatch)
	for _, q := range []string{account.QueueProfiles, content.QueueVotes, account.QueueAnalysis, account.QueueFeed} {
		coordinator.Queue(q)
	}

	// Chain access
	chains := chain.NewFactory(cfg.HiveNodes, chain.Options{
		Timeout:         config.Seconds(cfg.ChainTimeoutSeconds),
		MinCallSpacing:  config.Millis(cfg.ChainMinCallSpacingMS),
		BreakerFailures: cfg.ChainBreakerFailures,
		BreakerTimeout:  config.Seconds(cfg.ChainBreakerTimeoutSecs),
	})
	chainClient := chains.New()

	// Similarity index
	contentRepo := content.NewPostgresRepo(db)
	builder, err := newIndexBuilder(cfg, deps)
	if err != nil {
		return nil, err
	}
	index := similarity.NewManager(contentRepo, builder,
		time.Duration(cfg.IndexWindowDays)*24*time.Hour,
		time.Duration(cfg.IndexRebuildMinutes)*time.Minute)
	warmStart(cfg, index)

	// Features
	alloc := ids.NewAllocator(ids.NewPostgresRegistry(db), cfg.IDOversample, cfg.IDMaxValue)
	contentService := content.NewService(contentRepo, alloc, chainClient, pub, index, content.Rules{
		MinWords:    cfg.ContentMinWords,
		MaxAge:      time.Duration(cfg.ContentMaxAgeDays) * 24 * time.Hour,
		BannedWords: cfg.ContentBannedWords,
	})
	accountService := account.NewService(account.NewPostgresRepo(db), contentService, alloc, pub, cfg.FeedLangThreshold)

	// Stages
	a := &App{
		Accounts:    accountService,
		Content:     contentService,
		Coordinator: coordinator,
		Index:       index,
		cfg:         cfg,
	}

	a.Poller = ingest.NewPoller(
		func() ingest.Chain { return chains.New() },
		ingest.NewPostgresCheckpoints(db),
		contentService,
		accountService,
		coordinator,
		ingest.Options{
			Lookback:   cfg.IngestLookbackBlocks,
			Slack:      cfg.IngestSlackBlocks,
			MaxBatch:   cfg.IngestMaxBatch,
			Idle:       config.Seconds(cfg.IngestIdleSeconds),
			RecyclePct: cfg.IngestClientRecyclePct,
		},
	)
	a.Profiles = ingest.NewProfileBackfill(chainClient, accountService, cfg.ProfileBatchSize, config.Seconds(cfg.ProfileIdleSeconds))

	a.Analyzer = analyzer.New(accountService, chainClient, contentService, coordinator.Queue(account.QueueAnalysis), analyzer.Options{
		MaxInFlight: cfg.AnalyzerMaxInFlight,
		Lookback:    time.Duration(cfg.AnalyzerLookbackDays) * 24 * time.Hour,
		MaxOps:      cfg.AnalyzerMaxOps,
		Poll:        config.Seconds(cfg.AnalyzerPollSeconds),
	})

	a.Feed = feed.NewGenerator(accountService, contentService, index, coordinator.Queue(account.QueueFeed), feed.Options{
		MaxInFlight:    cfg.FeedMaxInFlight,
		TargetLen:      cfg.FeedTargetLen,
		SampleSize:     cfg.FeedSampleSize,
		BaseK:          cfg.FeedBaseK,
		KStep:          cfg.FeedKStep,
		MaxIterations:  cfg.FeedMaxIterations,
		LangThreshold:  cfg.FeedLangThreshold,
		IterationSleep: config.Millis(cfg.FeedIterationSleepMS),
		Poll:           config.Seconds(cfg.FeedPollSeconds),
		HistoryWait:    config.Seconds(cfg.FeedHistoryWaitSecs),
		AdmitGrace:     5 * config.Millis(cfg.BatchFlushMS),
	})

	cat, err := a.categorizer(ctx)
	if err != nil {
		return nil, err
	}
	a.Categorizer = categorize.NewWorker(contentRepo, cat, cfg.CategorizerBatchSize, config.Seconds(cfg.CategorizerIdleSeconds))

	a.Reconciler = content.NewReconciler(contentService, time.Duration(cfg.ReconcileIntervalMinutes)*time.Minute, 0)

	a.Handler = routes(account.NewHandler(accountService), content.NewHandler(contentService))
	return a, nil
}

// categorizer scores with Gemini embeddings when a key is configured and falls
// back to the keyword taxonomy otherwise.
func (a *App) categorizer(ctx context.Context) (categorize.Categorizer, error) {
	if a.cfg.GeminiAPIKey == "" {
		slog.Info("categorizer: keyword taxonomy")
		return categorize.NewKeywordCategorizer(), nil
	}
	e, err := gemini.NewEmbedder(ctx, a.cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: %w", err)
	}
	a.embedder = e
	slog.Info("categorizer: gemini embeddings")
	return categorize.NewEmbeddingCategorizer(e), nil
}

func newIndexBuilder(cfg *config.Config, deps *Dependencies) (similarity.Builder, error) {
	if strings.EqualFold(cfg.IndexBackend, "weaviate") {
		if deps.Weaviate == nil {
			return nil, errors.New("weaviate index backend selected without a weaviate client")
		}
		// Generations of peer processes rebuild on the same cadence, so anything
		// older than three intervals is abandoned.
		retention := 3 * time.Duration(cfg.IndexRebuildMinutes) * time.Minute
		return wstore.NewStore(deps.Weaviate).WithRetention(retention), nil
	}
	return &similarity.MemoryBuilder{
		Params: similarity.HNSWParams{
			M:        cfg.HNSWM,
			EfSearch: cfg.HNSWEfSearch,
		},
		SnapshotPath: cfg.IndexSnapshotPath,
	}, nil
}

// warmStart loads the last memory snapshot so queries work before the first
// rebuild finishes.
func warmStart(cfg *config.Config, index *similarity.Manager) {
	if strings.EqualFold(cfg.IndexBackend, "weaviate") || cfg.IndexSnapshotPath == "" {
		return
	}
	h, err := similarity.LoadSnapshot(cfg.IndexSnapshotPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to load index snapshot", "path", cfg.IndexSnapshotPath, "error", err)
		}
		return
	}
	index.Load(h)
	slog.Info("index snapshot loaded", "path", cfg.IndexSnapshotPath, "size", h.Len())
}

func observeBatch(collection string, res batch.Result, err error) {
	if err != nil {
		metrics.BatchOpsTotal.WithLabelValues(collection, "dropped").Inc()
		return
	}
	metrics.BatchOpsTotal.WithLabelValues(collection, "applied").Add(float64(res.Applied))
	metrics.BatchOpsTotal.WithLabelValues(collection, "failed").Add(float64(res.Failed))
}

// Register adds the enabled stages to tree. The batch coordinator always runs
// since every stage writes through it.
func (a *App) Register(tree *supervisor.Tree) {
	cfg := a.cfg
	tree.AddPipeline(a.Coordinator)

	if cfg.EnableAPI || cfg.EnableFeed {
		tree.AddPipeline(a.Index)
	}
	if cfg.EnableIngestion {
		tree.AddPipeline(a.Poller)
	}
	if cfg.EnableProfileBackfill {
		tree.AddPipeline(a.Profiles)
	}
	if cfg.EnableAnalyzer {
		tree.AddPipeline(a.Analyzer)
		a.consume(tree, config.TopicAccountAnalyze, a.Analyzer)
	}
	if cfg.EnableFeed {
		tree.AddPipeline(a.Feed)
		a.consume(tree, config.TopicAccountFeed, a.Feed)
	}
	if cfg.EnableCategorizer {
		tree.AddPipeline(a.Categorizer)
		a.consume(tree, config.TopicContentCategorize, a.Categorizer)
	}
	if cfg.EnableReconciler {
		tree.AddPipeline(a.Reconciler)
	}
	if cfg.EnableAPI {
		tree.AddAPI(NewHTTPService(fmt.Sprintf(":%d", cfg.ServerPort), a.Handler))
	}
}

func (a *App) consume(tree *supervisor.Tree, topic string, target worker.Nudger) {
	if !a.cfg.EnableNSQ {
		return
	}
	handler := worker.NewNudgeConsumer(topic, target)
	if a.cfg.NSQLookupd != "" {
		tree.AddMessaging(worker.NewLookupdConsumer(topic, handler, a.cfg.NSQLookupd))
		return
	}
	tree.AddMessaging(worker.NewDirectConsumer(topic, handler, a.cfg.NSQDHost))
}

// Shutdown flushes writes queued after the coordinator stopped and releases
// the embedding client.
func (a *App) Shutdown(ctx context.Context) {
	a.Coordinator.Flush(ctx)
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			slog.Warn("failed to close embedder", "error", err)
		}
	}
}

func routes(accounts *account.Handler, contents *content.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /accounts/{name}/feed", middleware.CorrelationID(middleware.CORS(accounts.GetFeed)))
	mux.Handle("POST /accounts/{name}/analyze", middleware.CorrelationID(middleware.CORS(accounts.RequestAnalysis)))
	mux.Handle("POST /accounts/{name}/feed", middleware.CorrelationID(middleware.CORS(accounts.RequestFeed)))
	mux.Handle("GET /accounts/{name}/profile", middleware.CorrelationID(middleware.CORS(accounts.Profile)))
	mux.Handle("POST /accounts/{name}/ban", middleware.CorrelationID(middleware.CORS(accounts.Ban)))
	mux.Handle("DELETE /accounts/{name}", middleware.CorrelationID(middleware.CORS(accounts.Delete)))

	mux.Handle("GET /content/{author}/{permlink}", middleware.CorrelationID(middleware.CORS(contents.Get)))
	mux.Handle("GET /content/{author}/{permlink}/similar", middleware.CorrelationID(middleware.CORS(contents.Similar)))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
