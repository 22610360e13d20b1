// Package categorize scores content against the fixed taxonomy and detects its
// languages.
package categorize

import (
	"context"
	"strings"

	"hivediscover/backend/internal/text"
)

// MinKnownWords is the least evidence a text needs before it gets a vector.
const MinKnownWords = 8

// Categorizer maps a text to a vector over the taxonomy. ok is false when the
// text has too little signal to score.
type Categorizer interface {
	Categorize(ctx context.Context, title, body string, tags []string) (vec []float64, ok bool, err error)
}

// KeywordCategorizer counts taxonomy aliases in the text. Tags weigh three times
// as much as body words.
type KeywordCategorizer struct {
	MinKnown int
}

func NewKeywordCategorizer() *KeywordCategorizer {
	return &KeywordCategorizer{MinKnown: MinKnownWords}
}

func (k *KeywordCategorizer) Categorize(_ context.Context, title, body string, tags []string) ([]float64, bool, error) {
	vec := make([]float64, Dimensions())
	known := 0

	for _, w := range text.Words(title + "\n\n" + text.Plain(body)) {
		if i, ok := Lookup(w); ok {
			vec[i]++
			known++
		}
	}
	for _, t := range tags {
		if i, ok := Lookup(strings.TrimSpace(t)); ok {
			vec[i] += 3
			known += 3
		}
	}

	if known < k.MinKnown {
		return nil, false, nil
	}
	return normalizeSum(vec), true, nil
}

func normalizeSum(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v
	}
	if sum == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= sum
	}
	return vec
}
