package categorize

import (
	"sort"
	"unicode/utf8"

	"github.com/RadhiFadlillah/whatlanggo"

	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/text"
)

// minParagraphWords skips fragments too short to identify reliably.
const minParagraphWords = 3

// DetectLangs runs language identification per paragraph and returns the share of
// text (by length) in each language, largest first. Shares sum to 1; a text with
// no identifiable paragraph yields an empty, non-nil list.
func DetectLangs(title, body string) content.Langs {
	weights := map[string]float64{}
	var total float64

	paras := append([]string{title}, text.Paragraphs(text.Plain(body))...)
	for _, p := range paras {
		if text.WordCount(p) < minParagraphWords {
			continue
		}
		info := whatlanggo.Detect(p)
		code := info.Lang.Iso6391()
		if code == "" {
			continue
		}
		w := float64(utf8.RuneCountInString(p))
		weights[code] += w
		total += w
	}

	out := content.Langs{}
	if total == 0 {
		return out
	}
	for lang, w := range weights {
		out = append(out, content.LangScore{Lang: lang, Score: w / total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Lang < out[j].Lang
		}
		return out[i].Score > out[j].Score
	})
	return out
}
