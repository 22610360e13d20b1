package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"hivediscover/backend/internal/config"
)

// Dependencies are the external connections a process needs. Weaviate and
// Producer are nil when their backend is not selected.
type Dependencies struct {
	DB       *sql.DB
	Weaviate *weaviate.Client
	Producer *nsq.Producer
}

func (d *Dependencies) Close() {
	if d.Producer != nil {
		d.Producer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := config.Seconds(cfg.BootstrapRetryDelaySeconds)
	if err := Retry(ctx, cfg.BootstrapRetryAttempts, retryDelay, db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")

	deps := &Dependencies{DB: db}

	// Weaviate, only for the weaviate index backend
	if strings.EqualFold(cfg.IndexBackend, "weaviate") {
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		ready := func(ctx context.Context) error {
			ok, err := client.Misc().ReadyChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("weaviate not ready")
			}
			return nil
		}
		if err := Retry(ctx, cfg.BootstrapRetryAttempts, retryDelay, ready); err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate readiness error: %w", err)
		}
		deps.Weaviate = client
	}

	// NSQ producer for nudges
	if cfg.EnableNSQ {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		producer.SetLoggerLevel(nsq.LogLevelWarning)
		deps.Producer = producer

		// Consumers querying lookupd fail until a topic exists.
		createTopics(cfg.NSQDHTTP)
	}

	return deps, nil
}

func createTopics(nsqdHTTP string) {
	if nsqdHTTP == "" {
		return
	}
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		for _, topic := range config.Topics {
			create(topic)
		}
	}()
}

// Retry calls fn up to attempts times, sleeping delay between failures, and
// returns the last error.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i < attempts-1 {
			slog.Warn("dependency not ready, retrying", "attempt", i+1, "max_attempts", attempts, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
