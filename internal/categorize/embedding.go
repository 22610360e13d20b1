package categorize

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"hivediscover/backend/internal/text"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// maxEmbedChars bounds the text sent to the embedding model.
const maxEmbedChars = 8000

// EmbeddingCategorizer scores a text by its cosine similarity to an embedding
// of every taxonomy label. Label embeddings are computed once and reused.
type EmbeddingCategorizer struct {
	embedder Embedder
	minWords int

	mu     sync.Mutex
	labels [][]float32
}

func NewEmbeddingCategorizer(e Embedder) *EmbeddingCategorizer {
	return &EmbeddingCategorizer{embedder: e, minWords: MinKnownWords}
}

func (c *EmbeddingCategorizer) labelVectors(ctx context.Context) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.labels != nil {
		return c.labels, nil
	}

	out := make([][]float32, len(taxonomy))
	for i, aliases := range taxonomy {
		v, err := c.embedder.Embed(ctx, strings.Join(aliases, ", "))
		if err != nil {
			return nil, fmt.Errorf("embed label %s: %w", aliases[0], err)
		}
		out[i] = v
	}
	c.labels = out
	return out, nil
}

func (c *EmbeddingCategorizer) Categorize(ctx context.Context, title, body string, tags []string) ([]float64, bool, error) {
	plain := text.Plain(body)
	if text.WordCount(title+" "+plain) < c.minWords {
		return nil, false, nil
	}

	labels, err := c.labelVectors(ctx)
	if err != nil {
		return nil, false, err
	}

	doc := title + "\n\n" + plain
	if len(tags) > 0 {
		doc += "\n\n" + strings.Join(tags, ", ")
	}
	if len(doc) > maxEmbedChars {
		doc = strings.ToValidUTF8(doc[:maxEmbedChars], "")
	}
	emb, err := c.embedder.Embed(ctx, doc)
	if err != nil {
		return nil, false, err
	}

	vec := make([]float64, len(labels))
	var sum float64
	for i, l := range labels {
		vec[i] = max(0, cosine(emb, l))
		sum += vec[i]
	}
	if sum == 0 {
		return nil, false, nil
	}
	return normalizeSum(vec), true, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
