package content

import (
	"context"
	"errors"
	"time"

	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/ids"
	"hivediscover/backend/internal/similarity"
)

var ErrNotFound = errors.New("content not found")

type Info struct {
	ID       int64     `json:"id"`
	Author   string    `json:"author"`
	Permlink string    `json:"permlink"`
	Created  time.Time `json:"created"`
}

type Data struct {
	ID         int64      `json:"id"`
	Categories Categories `json:"categories"`
	Lang       Langs      `json:"lang"`
	Votes      []int64    `json:"votes"`
	Created    time.Time  `json:"created"`
}

type Text struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	TagStr string `json:"tag_str"`
}

// Item is the full co-addressed triple.
type Item struct {
	Info
	Data Data `json:"data"`
	Text Text `json:"text"`
}

// Summary is what feed consumers receive.
type Summary struct {
	ID       int64  `json:"id"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

// Orphan is an id missing from at least one of the three tables. Author and
// Permlink are empty when the Info row itself is gone.
type Orphan struct {
	ID       int64
	Author   string
	Permlink string
}

func (o Orphan) HasInfo() bool { return o.Author != "" }

// Record is a new triple ready for insertion. Body is already plain text.
type Record struct {
	ID       int64
	Author   string
	Permlink string
	Created  time.Time
	Title    string
	Body     string
	TagStr   string
}

type Repository interface {
	IsBanned(ctx context.Context, author, permlink string) (bool, error)
	FindID(ctx context.Context, author, permlink string) (int64, bool, error)
	// Insert writes the triple in one statement and reports false when
	// (author, permlink) already existed, returning the existing id.
	Insert(ctx context.Context, rec Record) (int64, bool, error)
	// Repair fills in whichever rows of the triple are missing for rec.ID.
	Repair(ctx context.Context, rec Record) error
	Get(ctx context.Context, author, permlink string) (*Item, error)
	Summaries(ctx context.Context, contentIDs []int64) ([]Summary, error)
	Data(ctx context.Context, contentIDs []int64) ([]Data, error)
	Pending(ctx context.Context, after int64, limit int) ([]Text, error)
	Texts(ctx context.Context, contentIDs []int64) ([]Text, error)
	SetAnalysis(ctx context.Context, id int64, cats Categories, lang Langs) error
	FilterByLang(ctx context.Context, contentIDs []int64, langs []string) ([]int64, error)
	Orphans(ctx context.Context, limit int) ([]Orphan, error)
	Delete(ctx context.Context, id int64) error
	DeleteByAuthor(ctx context.Context, author string) (int64, error)
	Ban(ctx context.Context, author, permlink string) error
	PullVotes(ctx context.Context, accountID int64) error
}

type ChainReader interface {
	Content(ctx context.Context, author, permlink string) (chain.Content, error)
}

type Allocator interface {
	AllocateOne(ctx context.Context, kind ids.Kind) (int64, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type SimilarityIndex interface {
	Query(ctx context.Context, contentIDs []int64, k int) (map[int64][]similarity.Neighbor, error)
}

// Rules are the content-insert filters shared by ingestion and the analyzer.
type Rules struct {
	MinWords    int
	MaxAge      time.Duration
	BannedWords []string
}

type Service struct {
	repo  Repository
	alloc Allocator
	chain ChainReader
	pub   EventPublisher
	index SimilarityIndex
	rules Rules
	now   func() time.Time
}

func NewService(repo Repository, alloc Allocator, chain ChainReader, pub EventPublisher, index SimilarityIndex, rules Rules) *Service {
	return &Service{
		repo:  repo,
		alloc: alloc,
		chain: chain,
		pub:   pub,
		index: index,
		rules: rules,
		now:   time.Now,
	}
}
