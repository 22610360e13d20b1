package content

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
)

// ReconcileReport counts what one reconciliation pass did.
type ReconcileReport struct {
	Repaired int
	Deleted  int
	Skipped  int
}

// Reconcile finds ids missing from one of the Info/Data/Text tables and either
// repairs the triple from the chain or deletes the id everywhere.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport

	orphans, err := s.repo.Orphans(ctx, limit)
	if err != nil {
		return report, err
	}

	for _, o := range orphans {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		action, err := s.reconcileOne(ctx, o)
		if err != nil {
			slog.WarnContext(ctx, "reconcile failed, will retry next pass", "id", o.ID, "error", err)
			report.Skipped++
			metrics.ReconciledTotal.WithLabelValues("skipped").Inc()
			continue
		}
		switch action {
		case "repaired":
			report.Repaired++
		case "deleted":
			report.Deleted++
		}
		metrics.ReconciledTotal.WithLabelValues(action).Inc()
	}

	if len(orphans) > 0 {
		slog.InfoContext(ctx, "reconcile pass finished", "orphans", len(orphans), "repaired", report.Repaired, "deleted", report.Deleted, "skipped", report.Skipped)
	}
	return report, nil
}

func (s *Service) reconcileOne(ctx context.Context, o Orphan) (string, error) {
	if !o.HasInfo() {
		return "deleted", s.repo.Delete(ctx, o.ID)
	}

	c, err := s.chain.Content(ctx, o.Author, o.Permlink)
	if errors.Is(err, chain.ErrNotFound) {
		return "deleted", s.repo.Delete(ctx, o.ID)
	}
	if err != nil {
		return "", err
	}

	outcome, rec, err := s.check(ctx, c)
	if err != nil {
		return "", err
	}
	if outcome != Inserted {
		return "deleted", s.repo.Delete(ctx, o.ID)
	}

	rec.ID = o.ID
	return "repaired", s.repo.Repair(ctx, rec)
}

// Reconciler runs Reconcile on a fixed interval. Each pass works through
// orphans in pages until none are left.
type Reconciler struct {
	service  *Service
	interval time.Duration
	limit    int
}

func NewReconciler(s *Service, interval time.Duration, limit int) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if limit <= 0 {
		limit = 500
	}
	return &Reconciler{service: s, interval: interval, limit: limit}
}

func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.pass(middleware.NewCorrelation(ctx))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) String() string { return "content-reconciler" }

func (r *Reconciler) pass(ctx context.Context) {
	for ctx.Err() == nil {
		report, err := r.service.Reconcile(ctx, r.limit)
		if err != nil {
			if ctx.Err() == nil {
				slog.ErrorContext(ctx, "reconcile pass failed", "error", err)
			}
			return
		}
		// Skipped orphans come back on every page; stop once nothing moves.
		if report.Repaired+report.Deleted == 0 {
			return
		}
	}
}
