// Package supervisor arranges the process's long-running components in a suture
// tree. Each layer restarts its own children with backoff, so a crashing
// pipeline stage never takes the HTTP API down with it.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has three layers under one root:
//   - pipeline: batch coordinator, ingestion, analyzer, index, feed, categorizer
//   - messaging: NSQ nudge consumers
//   - api: HTTP server
type Tree struct {
	root      *suture.Supervisor
	pipeline  *suture.Supervisor
	messaging *suture.Supervisor
	api       *suture.Supervisor
}

func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	// Children inherit the event hook from the root.
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("hivediscover", rootSpec),
		pipeline:  suture.New("pipeline", childSpec),
		messaging: suture.New("messaging", childSpec),
		api:       suture.New("api", childSpec),
	}
	t.root.Add(t.pipeline)
	t.root.Add(t.messaging)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddPipeline(svc suture.Service) suture.ServiceToken {
	slog.Debug("supervising", "layer", "pipeline", "service", name(svc))
	return t.pipeline.Add(svc)
}

func (t *Tree) AddMessaging(svc suture.Service) suture.ServiceToken {
	slog.Debug("supervising", "layer", "messaging", "service", name(svc))
	return t.messaging.Add(svc)
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	slog.Debug("supervising", "layer", "api", "service", name(svc))
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled and every child has stopped or timed out.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.root.Serve(ctx)
	if report, rerr := t.root.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, u := range report {
			slog.Warn("service did not stop in time", "service", u.Name)
		}
	}
	return err
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func name(svc suture.Service) string {
	if s, ok := svc.(interface{ String() string }); ok {
		return s.String()
	}
	return "unnamed"
}
