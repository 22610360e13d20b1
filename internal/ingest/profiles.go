package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hivediscover/backend/features/account"
	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
)

type ProfileSource interface {
	AccountProfile(ctx context.Context, name string) (chain.Profile, error)
}

type ProfileStore interface {
	MissingProfiles(ctx context.Context, afterID int64, limit int) ([]account.Account, error)
	SetProfile(ctx context.Context, id int64, p account.Profile) error
	Delete(ctx context.Context, ref account.Ref) error
}

// ProfileBackfill fills in profiles for accounts created without one. Accounts
// the chain does not know are deleted.
type ProfileBackfill struct {
	source   ProfileSource
	store    ProfileStore
	pageSize int
	idle     time.Duration
}

func NewProfileBackfill(src ProfileSource, store ProfileStore, pageSize int, idle time.Duration) *ProfileBackfill {
	if pageSize <= 0 {
		pageSize = 100
	}
	if idle <= 0 {
		idle = 10 * time.Second
	}
	return &ProfileBackfill{source: src, store: store, pageSize: pageSize, idle: idle}
}

func (b *ProfileBackfill) Serve(ctx context.Context) error {
	for {
		if err := b.Sweep(middleware.NewCorrelation(ctx)); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "profile sweep failed", "error", err)
		}
		if !sleep(ctx, b.idle) {
			return ctx.Err()
		}
	}
}

func (b *ProfileBackfill) String() string { return "profile-backfill" }

// Sweep makes one pass over every account missing a profile. Accounts whose
// lookup fails transiently stay untouched for the next pass.
func (b *ProfileBackfill) Sweep(ctx context.Context) error {
	var after int64
	for ctx.Err() == nil {
		page, err := b.store.MissingProfiles(ctx, after, b.pageSize)
		if err != nil {
			return err
		}
		for _, acc := range page {
			after = acc.ID
			b.backfill(ctx, acc)
		}
		if len(page) < b.pageSize {
			return nil
		}
	}
	return ctx.Err()
}

func (b *ProfileBackfill) backfill(ctx context.Context, acc account.Account) {
	p, err := b.source.AccountProfile(ctx, acc.Name)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		if err := b.store.Delete(ctx, account.ByID(acc.ID)); err != nil && !errors.Is(err, account.ErrNotFound) {
			slog.WarnContext(ctx, "failed to delete unknown account", "name", acc.Name, "error", err)
			return
		}
		metrics.ProfilesBackfilledTotal.WithLabelValues("deleted").Inc()
	case err != nil:
		slog.WarnContext(ctx, "profile lookup failed", "name", acc.Name, "error", err)
		metrics.ProfilesBackfilledTotal.WithLabelValues("failed").Inc()
	default:
		// An empty profile is still written so the account is not rescanned.
		if err := b.store.SetProfile(ctx, acc.ID, account.ProfileFromChain(p)); err != nil {
			slog.WarnContext(ctx, "failed to store profile", "name", acc.Name, "error", err)
			return
		}
		metrics.ProfilesBackfilledTotal.WithLabelValues("updated").Inc()
	}
}
