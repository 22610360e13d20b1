package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/config"
	"hivediscover/backend/internal/middleware"
)

// GetFeed dequeues up to limit items from the front of the account's feed. The
// dequeue always flags a refill; a first call for an unknown account creates it
// and requests an analysis, so the first response is usually empty.
func (s *Service) GetFeed(ctx context.Context, ref Ref, limit int) ([]content.Summary, error) {
	acc, err := s.ResolveOrCreate(ctx, ref)
	if err != nil {
		return nil, err
	}

	feedIDs, err := s.repo.PopFeed(ctx, acc.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("pop feed: %w", err)
	}
	s.nudge(ctx, config.TopicAccountFeed, acc.ID, false)

	if len(feedIDs) == 0 {
		return []content.Summary{}, nil
	}
	return s.content.Summaries(ctx, feedIDs)
}

// RequestAnalysis flags the account for a history sweep.
func (s *Service) RequestAnalysis(ctx context.Context, ref Ref) (*Account, error) {
	acc, err := s.ResolveOrCreate(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RequestAnalysis(ctx, acc.ID); err != nil {
		return nil, err
	}
	s.nudge(ctx, config.TopicAccountAnalyze, acc.ID, false)
	return acc, nil
}

// RequestFeed flags the account for a feed rebuild. The nudge asks for the feed
// to be replaced; if it is lost, the durable flag still yields a top-up.
func (s *Service) RequestFeed(ctx context.Context, ref Ref) (*Account, error) {
	acc, err := s.ResolveOrCreate(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RequestFeed(ctx, acc.ID); err != nil {
		return nil, err
	}
	s.nudge(ctx, config.TopicAccountFeed, acc.ID, true)
	return acc, nil
}

// Ban records the name as banned, removes everything it authored and deletes the
// account. Banning a name that has no account yet still blocks it.
func (s *Service) Ban(ctx context.Context, ref Ref) error {
	name := ref.name
	acc, err := s.Resolve(ctx, ref)
	switch {
	case err == nil:
		name = acc.Name
	case ref.byID:
		return err
	case !errors.Is(err, ErrNotFound):
		return err
	case name == "":
		return fmt.Errorf("%w: empty name", ErrNotFound)
	}

	// 1. Block the name
	if err := s.repo.Ban(ctx, name); err != nil {
		return fmt.Errorf("ban %s: %w", name, err)
	}

	// 2. Remove authored content
	if err := s.content.DeleteByAuthor(ctx, name); err != nil {
		return fmt.Errorf("delete content of %s: %w", name, err)
	}

	// 3. Remove the account itself
	if acc != nil {
		if err := s.remove(ctx, acc); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "account banned", "name", name)
	return nil
}

// Delete removes the account, its analysis state and its votes.
func (s *Service) Delete(ctx context.Context, ref Ref) error {
	acc, err := s.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, acc); err != nil {
		return err
	}
	slog.InfoContext(ctx, "account deleted", "name", acc.Name, "id", acc.ID)
	return nil
}

func (s *Service) remove(ctx context.Context, acc *Account) error {
	if err := s.content.PullVotes(ctx, acc.ID); err != nil {
		return fmt.Errorf("pull votes of %s: %w", acc.Name, err)
	}
	if err := s.repo.Delete(ctx, acc.ID); err != nil {
		return fmt.Errorf("delete %s: %w", acc.Name, err)
	}
	return nil
}

type nudgeEvent struct {
	AccountID     int64  `json:"account_id"`
	Rebuild       bool   `json:"rebuild,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Service) nudge(ctx context.Context, topic string, id int64, rebuild bool) {
	if s.pub == nil {
		return
	}
	payload, _ := json.Marshal(nudgeEvent{AccountID: id, Rebuild: rebuild, CorrelationID: middleware.GetCorrelationID(ctx)})
	if err := s.pub.Publish(topic, payload); err != nil {
		// The durable flag is already set; the nudge only saves a poll interval.
		slog.WarnContext(ctx, "failed to publish nudge", "topic", topic, "account_id", id, "error", err)
	}
}
