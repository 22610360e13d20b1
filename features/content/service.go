package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/config"
	"hivediscover/backend/internal/ids"
	"hivediscover/backend/internal/metrics"
	"hivediscover/backend/internal/middleware"
	"hivediscover/backend/internal/text"
)

// Outcome is the result of applying the insert rules to one candidate.
type Outcome int

const (
	Inserted Outcome = iota
	Exists
	Banned
	Comment
	BannedWord
	Stale
	TooShort
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Exists:
		return "exists"
	case Banned:
		return "banned"
	case Comment:
		return "comment"
	case BannedWord:
		return "banned_word"
	case Stale:
		return "stale"
	case TooShort:
		return "too_short"
	default:
		return "unknown"
	}
}

// Result carries the id for Inserted and Exists, zero otherwise.
type Result struct {
	Outcome Outcome
	ID      int64
}

// OK reports whether the candidate is (now) stored.
func (r Result) OK() bool { return r.Outcome == Inserted || r.Outcome == Exists }

// Insert applies the insert rules to c and stores it when they pass.
func (s *Service) Insert(ctx context.Context, c chain.Content) (Result, error) {
	outcome, rec, err := s.check(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if outcome != Inserted {
		metrics.ContentInsertTotal.WithLabelValues(outcome.String()).Inc()
		return Result{Outcome: outcome}, nil
	}

	// Cheap lookup first so already known content never burns an id.
	if id, ok, err := s.repo.FindID(ctx, c.Author, c.Permlink); err != nil {
		return Result{}, err
	} else if ok {
		metrics.ContentInsertTotal.WithLabelValues(Exists.String()).Inc()
		return Result{Outcome: Exists, ID: id}, nil
	}

	rec.ID, err = s.alloc.AllocateOne(ctx, ids.KindContent)
	if err != nil {
		return Result{}, fmt.Errorf("allocate content id: %w", err)
	}

	id, inserted, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("insert %s/%s: %w", c.Author, c.Permlink, err)
	}
	if !inserted {
		// Lost a race with another writer for the same (author, permlink).
		metrics.ContentInsertTotal.WithLabelValues(Exists.String()).Inc()
		return Result{Outcome: Exists, ID: id}, nil
	}

	metrics.ContentInsertTotal.WithLabelValues(Inserted.String()).Inc()
	s.publishCategorize(ctx, id)
	return Result{Outcome: Inserted, ID: id}, nil
}

// check runs every rule except the existence lookup and returns the record to
// insert when they all pass.
func (s *Service) check(ctx context.Context, c chain.Content) (Outcome, Record, error) {
	banned, err := s.repo.IsBanned(ctx, c.Author, c.Permlink)
	if err != nil {
		return 0, Record{}, fmt.Errorf("banned check: %w", err)
	}
	if banned {
		return Banned, Record{}, nil
	}

	if c.ParentAuthor != "" {
		return Comment, Record{}, nil
	}

	plain := text.Plain(c.Body)
	// The title is scanned along with the body.
	if text.ContainsBanned(c.Tags, c.Title+"\n"+plain, s.rules.BannedWords) {
		return BannedWord, Record{}, nil
	}

	created := c.Created
	if created.IsZero() {
		created = s.now().UTC()
	}
	if s.rules.MaxAge > 0 && s.now().Sub(created) > s.rules.MaxAge {
		return Stale, Record{}, nil
	}

	if text.WordCount(plain) < s.rules.MinWords {
		return TooShort, Record{}, nil
	}

	return Inserted, Record{
		Author:   c.Author,
		Permlink: c.Permlink,
		Created:  created,
		Title:    strings.TrimSpace(text.Clean(c.Title)),
		Body:     plain,
		TagStr:   text.Clean(text.TagString(c.Tags)),
	}, nil
}

// Ensure resolves (author, permlink) to a content id, fetching and inserting it
// from the chain when it is not stored yet. ok is false when the content does not
// exist upstream or fails the insert rules.
func (s *Service) Ensure(ctx context.Context, author, permlink string) (int64, bool, error) {
	if id, ok, err := s.repo.FindID(ctx, author, permlink); err != nil || ok {
		return id, ok, err
	}

	c, err := s.chain.Content(ctx, author, permlink)
	if errors.Is(err, chain.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	res, err := s.Insert(ctx, c)
	if err != nil {
		return 0, false, err
	}
	return res.ID, res.OK(), nil
}

func (s *Service) Get(ctx context.Context, author, permlink string) (*Item, error) {
	return s.repo.Get(ctx, author, permlink)
}

func (s *Service) Summaries(ctx context.Context, contentIDs []int64) ([]Summary, error) {
	return s.repo.Summaries(ctx, contentIDs)
}

func (s *Service) Data(ctx context.Context, contentIDs []int64) ([]Data, error) {
	return s.repo.Data(ctx, contentIDs)
}

// FilterByLang keeps the ids whose detected languages include one of langs.
func (s *Service) FilterByLang(ctx context.Context, contentIDs []int64, langs []string) ([]int64, error) {
	if len(contentIDs) == 0 || len(langs) == 0 {
		return nil, nil
	}
	return s.repo.FilterByLang(ctx, contentIDs, langs)
}

// Ban stores the (author, permlink) pair as banned and removes the content.
func (s *Service) Ban(ctx context.Context, author, permlink string) error {
	return s.repo.Ban(ctx, author, permlink)
}

// DeleteByAuthor removes every triple authored by author.
func (s *Service) DeleteByAuthor(ctx context.Context, author string) error {
	n, err := s.repo.DeleteByAuthor(ctx, author)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "deleted authored content", "author", author, "count", n)
	return nil
}

func (s *Service) PullVotes(ctx context.Context, accountID int64) error {
	return s.repo.PullVotes(ctx, accountID)
}

// Similar is a neighbor of a content item, resolved to its summary.
type Similar struct {
	Summary
	Distance float32 `json:"distance"`
}

// Similar returns up to k items closest to (author, permlink) in the live index.
func (s *Service) Similar(ctx context.Context, author, permlink string, k int) ([]Similar, error) {
	id, ok, err := s.repo.FindID(ctx, author, permlink)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if s.index == nil {
		return []Similar{}, nil
	}

	hits, err := s.index.Query(ctx, []int64{id}, k)
	if err != nil {
		return nil, err
	}
	neighbors := hits[id]
	if len(neighbors) == 0 {
		return []Similar{}, nil
	}

	nids := make([]int64, len(neighbors))
	for i, n := range neighbors {
		nids[i] = n.ID
	}
	summaries, err := s.repo.Summaries(ctx, nids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Summary, len(summaries))
	for _, sm := range summaries {
		byID[sm.ID] = sm
	}

	out := make([]Similar, 0, len(neighbors))
	for _, n := range neighbors {
		if sm, ok := byID[n.ID]; ok {
			out = append(out, Similar{Summary: sm, Distance: n.Distance})
		}
	}
	return out, nil
}

type categorizeEvent struct {
	ContentID     int64  `json:"content_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Service) publishCategorize(ctx context.Context, id int64) {
	if s.pub == nil {
		return
	}
	payload, _ := json.Marshal(categorizeEvent{ContentID: id, CorrelationID: middleware.GetCorrelationID(ctx)})
	if err := s.pub.Publish(config.TopicContentCategorize, payload); err != nil {
		slog.WarnContext(ctx, "failed to publish categorize nudge", "content_id", id, "error", err)
	}
}
