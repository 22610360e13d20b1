package similarity

import (
	"context"
	"errors"
	"time"
)

// ErrNoIndex is returned by backends that have not built a generation yet.
var ErrNoIndex = errors.New("similarity index not built")

// Item is one content vector fed into a rebuild.
type Item struct {
	ID     int64
	Vector []float32
}

// Neighbor is a query hit. Distance is cosine distance, smaller is closer.
type Neighbor struct {
	ID       int64   `json:"id"`
	Distance float32 `json:"distance"`
}

// Source yields the vectors of recently created, categorized content.
type Source interface {
	Vectors(ctx context.Context, since time.Time) ([]Item, error)
}

// Index is one immutable, queryable generation.
type Index interface {
	Len() int
	// Vector returns the stored vector for id, if any.
	Vector(id int64) ([]float32, bool)
	// Search returns up to k neighbors of vec in ascending distance.
	Search(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
}

// Builder produces a new generation from items. Implementations must not mutate
// the generation that is currently live.
type Builder interface {
	Build(ctx context.Context, items []Item) (Index, error)
	// Retire releases resources held by a generation that was swapped out.
	Retire(ctx context.Context, idx Index) error
}
