package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/ids"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrBanned   = errors.New("account is banned")
)

// Profile is the subset of on-chain metadata kept per account.
type Profile struct {
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Location    string `json:"location"`
}

func ProfileFromChain(p chain.Profile) Profile {
	return Profile{DisplayName: p.Name, About: p.About, Location: p.Location}
}

type Account struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Profile *Profile `json:"profile,omitempty"`
}

// Analysis is the per-account work state shared by the analyzer and the feed
// generator.
type Analysis struct {
	AccountID         int64      `json:"account_id"`
	AnalyzeRequested  bool       `json:"analyze_requested"`
	Loading           bool       `json:"loading"`
	Posts             []int64    `json:"posts"`
	Votes             []int64    `json:"votes"`
	LastAnalyze       *time.Time `json:"last_analyze,omitempty"`
	MakeFeedRequested bool       `json:"make_feed_requested"`
	Feed              []int64    `json:"feed"`
}

// HasHistory reports whether a sweep has produced anything to recommend from.
func (a *Analysis) HasHistory() bool {
	return a != nil && (len(a.Posts) > 0 || len(a.Votes) > 0)
}

// Ref addresses an account either by name or by id.
type Ref struct {
	name string
	id   int64
	byID bool
}

func ByName(name string) Ref { return Ref{name: NormalizeName(name)} }

func ByID(id int64) Ref { return Ref{id: id, byID: true} }

func (r Ref) String() string {
	if r.byID {
		return "#" + strconv.FormatInt(r.id, 10)
	}
	return r.name
}

// NormalizeName lower-cases a chain account name and strips a leading '@'.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

type Repository interface {
	FindByName(ctx context.Context, name string) (*Account, error)
	FindByID(ctx context.Context, id int64) (*Account, error)
	IsBanned(ctx context.Context, name string) (bool, error)
	// MissingNames returns the names that have no account and are not banned.
	MissingNames(ctx context.Context, names []string) ([]string, error)
	CreateMany(ctx context.Context, accountIDs []int64, names []string) (int64, error)
	Ban(ctx context.Context, name string) error
	Delete(ctx context.Context, id int64) error

	// MissingProfiles pages through accounts without a profile in id order.
	MissingProfiles(ctx context.Context, afterID int64, limit int) ([]Account, error)
	SetProfile(ctx context.Context, id int64, p Profile) error

	Analysis(ctx context.Context, id int64) (*Analysis, error)
	RequestAnalysis(ctx context.Context, id int64) error
	RequestFeed(ctx context.Context, id int64) error
	// PopFeed removes up to n ids from the front of the feed and flags a refill.
	PopFeed(ctx context.Context, id int64, n int) ([]int64, error)
	// ClaimAnalyze clears and returns up to limit pending analyze requests.
	ClaimAnalyze(ctx context.Context, limit int) ([]int64, error)
	FeedRequested(ctx context.Context, exclude []int64, limit int) ([]int64, error)
	// BeginFeed clears make_feed_requested for a starting generation run and,
	// when reset is set, empties the feed.
	BeginFeed(ctx context.Context, id int64, reset bool) error
}

type ContentStore interface {
	Summaries(ctx context.Context, contentIDs []int64) ([]content.Summary, error)
	Data(ctx context.Context, contentIDs []int64) ([]content.Data, error)
	DeleteByAuthor(ctx context.Context, author string) error
	PullVotes(ctx context.Context, accountID int64) error
}

type Allocator interface {
	Allocate(ctx context.Context, kind ids.Kind, n int) ([]int64, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo          Repository
	content       ContentStore
	alloc         Allocator
	pub           EventPublisher
	langThreshold float64
	now           func() time.Time
}

func NewService(repo Repository, content ContentStore, alloc Allocator, pub EventPublisher, langThreshold float64) *Service {
	return &Service{
		repo:          repo,
		content:       content,
		alloc:         alloc,
		pub:           pub,
		langThreshold: langThreshold,
		now:           time.Now,
	}
}

// Resolve looks an account up by name or id.
func (s *Service) Resolve(ctx context.Context, ref Ref) (*Account, error) {
	if ref.byID {
		return s.repo.FindByID(ctx, ref.id)
	}
	if ref.name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	return s.repo.FindByName(ctx, ref.name)
}

// ResolveOrCreate is Resolve, except that an unknown name which is not banned is
// created on the spot.
func (s *Service) ResolveOrCreate(ctx context.Context, ref Ref) (*Account, error) {
	acc, err := s.Resolve(ctx, ref)
	if err == nil || ref.byID || !errors.Is(err, ErrNotFound) {
		return acc, err
	}

	banned, err := s.repo.IsBanned(ctx, ref.name)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, ErrBanned
	}

	if _, err := s.EnsureAccounts(ctx, []string{ref.name}); err != nil {
		return nil, err
	}
	return s.repo.FindByName(ctx, ref.name)
}

// EnsureAccounts creates accounts for every name that is neither present nor
// banned and returns how many were created.
func (s *Service) EnsureAccounts(ctx context.Context, names []string) (int64, error) {
	seen := make(map[string]struct{}, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		n = NormalizeName(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		uniq = append(uniq, n)
	}
	if len(uniq) == 0 {
		return 0, nil
	}

	missing, err := s.repo.MissingNames(ctx, uniq)
	if err != nil {
		return 0, fmt.Errorf("missing names: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	newIDs, err := s.alloc.Allocate(ctx, ids.KindAccount, len(missing))
	if err != nil {
		return 0, fmt.Errorf("allocate account ids: %w", err)
	}
	return s.repo.CreateMany(ctx, newIDs, missing)
}

func (s *Service) MissingProfiles(ctx context.Context, afterID int64, limit int) ([]Account, error) {
	return s.repo.MissingProfiles(ctx, afterID, limit)
}

func (s *Service) SetProfile(ctx context.Context, id int64, p Profile) error {
	return s.repo.SetProfile(ctx, id, p)
}

func (s *Service) Analysis(ctx context.Context, id int64) (*Analysis, error) {
	return s.repo.Analysis(ctx, id)
}

func (s *Service) ClaimAnalyze(ctx context.Context, limit int) ([]int64, error) {
	return s.repo.ClaimAnalyze(ctx, limit)
}

func (s *Service) FeedRequested(ctx context.Context, exclude []int64, limit int) ([]int64, error) {
	return s.repo.FeedRequested(ctx, exclude, limit)
}

// BeginFeed claims the refill request of an account before its generation run
// reads the feed, so a request arriving mid-run survives it.
func (s *Service) BeginFeed(ctx context.Context, id int64, reset bool) error {
	return s.repo.BeginFeed(ctx, id, reset)
}

func (s *Service) IsBanned(ctx context.Context, name string) (bool, error) {
	return s.repo.IsBanned(ctx, NormalizeName(name))
}
