package similarity

import (
	"context"
	"fmt"
	"sort"

	"github.com/coder/hnsw"
)

// HNSWParams tunes graph construction and search. EfSearch also bounds the
// candidate list used while inserting.
type HNSWParams struct {
	M        int
	EfSearch int
}

// HNSW is an in-memory cosine graph keyed by content id. It is built once and
// then only read, so it needs no locking after construction.
type HNSW struct {
	g *hnsw.Graph[int64]
}

func newGraph(params HNSWParams) *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.Distance = hnsw.CosineDistance
	if params.M > 0 {
		g.M = params.M
	}
	if params.EfSearch > 0 {
		g.EfSearch = params.EfSearch
	}
	return g
}

func NewHNSW(params HNSWParams) *HNSW {
	return &HNSW{g: newGraph(params)}
}

func (h *HNSW) Len() int { return h.g.Len() }

func (h *HNSW) Vector(id int64) ([]float32, bool) {
	return h.g.Lookup(id)
}

// Add inserts vec under id. Duplicate ids keep the first vector; zero vectors
// and vectors whose width differs from the graph have no cosine distance and
// are dropped.
func (h *HNSW) Add(id int64, vec []float32) bool {
	if isZero(vec) {
		return false
	}
	if h.g.Len() > 0 && len(vec) != h.g.Dims() {
		return false
	}
	if _, ok := h.g.Lookup(id); ok {
		return false
	}
	h.g.Add(hnsw.MakeNode(id, append([]float32(nil), vec...)))
	return true
}

func (h *HNSW) Search(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || h.g.Len() == 0 || isZero(vec) {
		return nil, nil
	}
	if len(vec) != h.g.Dims() {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(vec), h.g.Dims())
	}

	nodes := h.g.Search(vec, k)
	out := make([]Neighbor, len(nodes))
	for i, n := range nodes {
		out[i] = Neighbor{ID: n.Key, Distance: h.g.Distance(vec, n.Value)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
