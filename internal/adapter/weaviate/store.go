package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"hivediscover/backend/internal/similarity"
	"hivediscover/backend/internal/vector"
)

const batchSize = 100

// Store builds similarity index generations as Weaviate classes.
type Store struct {
	client    *weaviate.Client
	schema    vector.SchemaClient
	now       func() time.Time
	retention time.Duration
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client, schema: vector.NewWeaviateClientAdapter(client), now: time.Now}
}

// Build imports items into a fresh class. The live generation's class is left
// untouched until Retire is called for it.
func (s *Store) Build(ctx context.Context, items []similarity.Item) (similarity.Index, error) {
	name := vector.GenerationName(s.now())
	if err := vector.EnsureGeneration(ctx, s.schema, name); err != nil {
		return nil, fmt.Errorf("create class %s: %w", name, err)
	}

	g := &Generation{client: s.client, class: name, vectors: make(map[int64][]float32, len(items))}
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		if err := s.importBatch(ctx, name, items[start:end]); err != nil {
			_ = s.schema.DeleteClass(ctx, name)
			return nil, err
		}
		for _, it := range items[start:end] {
			g.vectors[it.ID] = it.Vector
		}
	}
	return g, nil
}

func (s *Store) importBatch(ctx context.Context, class string, items []similarity.Item) error {
	objects := make([]*models.Object, len(items))
	for i, it := range items {
		objects[i] = &models.Object{
			Class:      class,
			Properties: map[string]interface{}{"contentId": it.ID},
			Vector:     it.Vector,
		}
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch import into %s: %w", class, err)
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch import into %s: %s", class, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// WithRetention makes Retire also drop any generation older than d. Every live
// generation of every process sharing the cluster must be younger than d.
func (s *Store) WithRetention(d time.Duration) *Store {
	s.retention = d
	return s
}

// Retire drops the class backing a swapped-out generation.
func (s *Store) Retire(ctx context.Context, idx similarity.Index) error {
	g, ok := idx.(*Generation)
	if !ok {
		return fmt.Errorf("not a weaviate generation: %T", idx)
	}
	if err := s.schema.DeleteClass(ctx, g.class); err != nil {
		return err
	}
	if s.retention <= 0 {
		return nil
	}

	dropped, err := vector.PruneGenerations(ctx, s.schema, s.now().Add(-s.retention))
	if err != nil {
		slog.WarnContext(ctx, "failed to prune stale generations", "error", err)
	}
	if len(dropped) > 0 {
		slog.InfoContext(ctx, "pruned stale generations", "classes", dropped)
	}
	return nil
}

// Generation is one immutable class. Vectors are kept in memory as well so
// queries by content id do not need a lookup round trip.
type Generation struct {
	client  *weaviate.Client
	class   string
	vectors map[int64][]float32
}

func (g *Generation) Class() string { return g.class }

func (g *Generation) Len() int { return len(g.vectors) }

func (g *Generation) Vector(id int64) ([]float32, bool) {
	v, ok := g.vectors[id]
	return v, ok
}

func (g *Generation) Search(ctx context.Context, vec []float32, k int) ([]similarity.Neighbor, error) {
	if k <= 0 || len(g.vectors) == 0 {
		return []similarity.Neighbor{}, nil
	}

	nearVector := g.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := []graphql.Field{
		{Name: "contentId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := g.client.GraphQL().Get().
		WithClassName(g.class).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	out := []similarity.Neighbor{}
	data, _ := res.Data["Get"].(map[string]interface{})
	rows, _ := data[g.class].([]interface{})
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := props["contentId"].(float64)
		if !ok {
			continue
		}
		n := similarity.Neighbor{ID: int64(id)}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := additional["distance"].(float64); ok {
				n.Distance = float32(d)
			}
		}
		out = append(out, n)
	}
	return out, nil
}
