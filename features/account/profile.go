package account

import (
	"context"
	"math"
	"sort"
	"time"

	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/categorize"
)

// Decay down-weights a category vector by its age: sqrt(0.9^months), with a month
// of 30.5 days.
func Decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	months := age.Hours() / 24 / 30.5
	return math.Sqrt(math.Pow(0.9, months))
}

// Affinity is an account's raw, unnormalized engagement profile.
type Affinity struct {
	Categories []float64
	Langs      map[string]float64
}

// Aggregate sums category vectors (decayed by age) and language scores over
// the account's content. Items in own count twice.
func Aggregate(data []content.Data, own map[int64]bool, now time.Time) Affinity {
	aff := Affinity{Langs: map[string]float64{}}
	for _, d := range data {
		weight := 1.0
		if own[d.ID] {
			weight = 2
		}

		if d.Categories.State == content.CategoriesScored {
			if aff.Categories == nil {
				aff.Categories = make([]float64, len(d.Categories.Vector))
			}
			w := weight * Decay(now.Sub(d.Created))
			for i, v := range d.Categories.Vector {
				if i < len(aff.Categories) {
					aff.Categories[i] += v * w
				}
			}
		}

		for _, l := range d.Lang {
			aff.Langs[l.Lang] += l.Score * weight
		}
	}
	return aff
}

type LangShare struct {
	Lang  string  `json:"lang"`
	Share float64 `json:"share"`
}

// TopLanguages normalizes language scores to shares and keeps those at or above
// threshold, largest first.
func (a Affinity) TopLanguages(threshold float64) []LangShare {
	var total float64
	for _, v := range a.Langs {
		total += v
	}
	if total <= 0 {
		return nil
	}

	var out []LangShare
	for lang, v := range a.Langs {
		if share := v / total; share >= threshold {
			out = append(out, LangShare{Lang: lang, Share: share})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Share == out[j].Share {
			return out[i].Lang < out[j].Lang
		}
		return out[i].Share > out[j].Share
	})
	return out
}

type CategoryShare struct {
	Label string  `json:"label"`
	Share float64 `json:"share"`
}

// CategoryShares normalizes the category sums and labels them with the taxonomy,
// largest first.
func (a Affinity) CategoryShares() []CategoryShare {
	var total float64
	for _, v := range a.Categories {
		total += v
	}
	if total <= 0 {
		return []CategoryShare{}
	}

	labels := categorize.Labels()
	out := make([]CategoryShare, 0, len(a.Categories))
	for i, v := range a.Categories {
		label := "unknown"
		if i < len(labels) {
			label = labels[i]
		}
		out = append(out, CategoryShare{Label: label, Share: v / total})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Share > out[j].Share })
	return out
}

// ProfileView is the public engagement profile of an account.
type ProfileView struct {
	Account    *Account        `json:"account"`
	Posts      int             `json:"posts"`
	Votes      int             `json:"votes"`
	Categories []CategoryShare `json:"categories"`
	Languages  []LangShare     `json:"languages"`
}

// Profile computes the decayed category distribution and language shares of the
// account's posts and votes.
func (s *Service) Profile(ctx context.Context, ref Ref) (*ProfileView, error) {
	acc, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	view := &ProfileView{Account: acc, Categories: []CategoryShare{}, Languages: []LangShare{}}
	analysis, err := s.repo.Analysis(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if !analysis.HasHistory() {
		return view, nil
	}

	aff, err := s.AffinityOf(ctx, analysis)
	if err != nil {
		return nil, err
	}
	view.Posts, view.Votes = len(analysis.Posts), len(analysis.Votes)
	view.Categories = aff.CategoryShares()
	if langs := aff.TopLanguages(s.langThreshold); langs != nil {
		view.Languages = langs
	}
	return view, nil
}

// AffinityOf loads the content data behind an analysis and aggregates it.
func (s *Service) AffinityOf(ctx context.Context, analysis *Analysis) (Affinity, error) {
	own := make(map[int64]bool, len(analysis.Posts))
	all := make([]int64, 0, len(analysis.Posts)+len(analysis.Votes))
	for _, id := range analysis.Posts {
		own[id] = true
		all = append(all, id)
	}
	for _, id := range analysis.Votes {
		if !own[id] {
			all = append(all, id)
		}
	}

	data, err := s.content.Data(ctx, all)
	if err != nil {
		return Affinity{}, err
	}
	return Aggregate(data, own, s.now()), nil
}
