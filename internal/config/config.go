package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

var ErrInvalidValue = errors.New("invalid configuration value")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"hivediscover"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"hivediscover"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Stage toggles. Each stage can run in its own process from the same binary.
	EnableAPI             bool `envconfig:"ENABLE_API" default:"true"`
	EnableIngestion       bool `envconfig:"ENABLE_INGESTION" default:"false"`
	EnableProfileBackfill bool `envconfig:"ENABLE_PROFILE_BACKFILL" default:"false"`
	EnableAnalyzer        bool `envconfig:"ENABLE_ANALYZER" default:"false"`
	EnableFeed            bool `envconfig:"ENABLE_FEED" default:"false"`
	EnableCategorizer     bool `envconfig:"ENABLE_CATEGORIZER" default:"false"`
	EnableReconciler      bool `envconfig:"ENABLE_RECONCILER" default:"false"`
	EnableNSQ             bool `envconfig:"ENABLE_NSQ" default:"true"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`

	// Server
	ServerPort int    `envconfig:"SERVER_PORT" default:"8081"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Chain
	HiveNodes               []string `envconfig:"HIVE_NODES" default:"https://api.hive.blog,https://api.deathwing.me,https://anyx.io"`
	ChainTimeoutSeconds     int      `envconfig:"CHAIN_TIMEOUT_SECONDS" default:"30"`
	ChainMinCallSpacingMS   int      `envconfig:"CHAIN_MIN_CALL_SPACING_MS" default:"75"`
	ChainBreakerFailures    uint32   `envconfig:"CHAIN_BREAKER_FAILURES" default:"5"`
	ChainBreakerTimeoutSecs int      `envconfig:"CHAIN_BREAKER_TIMEOUT_SECONDS" default:"30"`

	// Ingestion
	IngestLookbackBlocks   int64 `envconfig:"INGEST_LOOKBACK_BLOCKS" default:"2500"`
	IngestSlackBlocks      int64 `envconfig:"INGEST_SLACK_BLOCKS" default:"5"`
	IngestMaxBatch         int64 `envconfig:"INGEST_MAX_BATCH" default:"500"`
	IngestIdleSeconds      int   `envconfig:"INGEST_IDLE_SECONDS" default:"30"`
	IngestClientRecyclePct int   `envconfig:"INGEST_CLIENT_RECYCLE_PERCENT" default:"25"`
	ProfileIdleSeconds     int   `envconfig:"PROFILE_IDLE_SECONDS" default:"10"`
	ProfileBatchSize       int   `envconfig:"PROFILE_BATCH_SIZE" default:"100"`

	// Content rules
	ContentMinWords    int      `envconfig:"CONTENT_MIN_WORDS" default:"8"`
	ContentMaxAgeDays  int      `envconfig:"CONTENT_MAX_AGE_DAYS" default:"100"`
	ContentBannedWords []string `envconfig:"CONTENT_BANNED_WORDS" default:"nsfw,cross-post,stop_discover,sex,porn,xxxwoman"`

	// Identifier allocation
	IDOversample int   `envconfig:"ID_OVERSAMPLE" default:"20"`
	IDMaxValue   int64 `envconfig:"ID_MAX_VALUE" default:"2147483647"`

	// Analyzer
	AnalyzerMaxInFlight  int `envconfig:"ANALYZER_MAX_INFLIGHT" default:"200"`
	AnalyzerLookbackDays int `envconfig:"ANALYZER_LOOKBACK_DAYS" default:"100"`
	AnalyzerMaxOps       int `envconfig:"ANALYZER_MAX_OPS" default:"0"`
	AnalyzerPollSeconds  int `envconfig:"ANALYZER_POLL_SECONDS" default:"1"`

	// Feed
	FeedMaxInFlight      int     `envconfig:"FEED_MAX_INFLIGHT" default:"200"`
	FeedTargetLen        int     `envconfig:"FEED_TARGET_LEN" default:"100"`
	FeedSampleSize       int     `envconfig:"FEED_SAMPLE_SIZE" default:"25"`
	FeedBaseK            int     `envconfig:"FEED_BASE_K" default:"10"`
	FeedKStep            int     `envconfig:"FEED_K_STEP" default:"2"`
	FeedMaxIterations    int     `envconfig:"FEED_MAX_ITERATIONS" default:"1000"`
	FeedLangThreshold    float64 `envconfig:"FEED_LANG_THRESHOLD" default:"0.15"`
	FeedIterationSleepMS int     `envconfig:"FEED_ITERATION_SLEEP_MS" default:"250"`
	FeedPollSeconds      int     `envconfig:"FEED_POLL_SECONDS" default:"1"`
	FeedHistoryWaitSecs  int     `envconfig:"FEED_HISTORY_WAIT_SECONDS" default:"5"`

	// Similarity index
	IndexBackend        string `envconfig:"INDEX_BACKEND" default:"memory"`
	IndexWindowDays     int    `envconfig:"INDEX_WINDOW_DAYS" default:"10"`
	IndexRebuildMinutes int    `envconfig:"INDEX_REBUILD_MINUTES" default:"60"`
	IndexSnapshotPath   string `envconfig:"INDEX_SNAPSHOT_PATH" default:"data/index/similarity.hnsw"`
	HNSWM               int    `envconfig:"HNSW_M" default:"16"`
	HNSWEfSearch        int    `envconfig:"HNSW_EF_SEARCH" default:"64"`

	// Batched writes
	BatchFlushMS int `envconfig:"BATCH_FLUSH_MS" default:"1000"`

	// Categorizer
	CategorizerBatchSize   int `envconfig:"CATEGORIZER_BATCH_SIZE" default:"50"`
	CategorizerIdleSeconds int `envconfig:"CATEGORIZER_IDLE_SECONDS" default:"10"`

	// Reconciler
	ReconcileIntervalMinutes int `envconfig:"RECONCILE_INTERVAL_MINUTES" default:"30"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win over .env files.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if len(c.HiveNodes) == 0 {
		return fmt.Errorf("%w: HIVE_NODES", ErrMissingRequired)
	}
	switch strings.ToLower(c.IndexBackend) {
	case "memory", "weaviate":
	default:
		return fmt.Errorf("%w: INDEX_BACKEND must be memory or weaviate, got %q", ErrInvalidValue, c.IndexBackend)
	}
	if c.IDMaxValue < 2_000_000_000 {
		return fmt.Errorf("%w: ID_MAX_VALUE must be at least 2e9", ErrInvalidValue)
	}
	if c.IDOversample < 1 {
		return fmt.Errorf("%w: ID_OVERSAMPLE", ErrInvalidValue)
	}
	if c.IngestMaxBatch < 1 || c.IngestMaxBatch > 1000 {
		return fmt.Errorf("%w: INGEST_MAX_BATCH must be within 1..1000", ErrInvalidValue)
	}
	if c.FeedLangThreshold < 0 || c.FeedLangThreshold > 1 {
		return fmt.Errorf("%w: FEED_LANG_THRESHOLD", ErrInvalidValue)
	}
	return nil
}

// Seconds converts a config integer to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a config integer to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
