// Package ids hands out sparse random identifiers shared by accounts and content.
//
// There is no central counter. Candidates are drawn at random, checked against the
// registry in one query, and claimed with an insert-if-absent. A candidate lost to a
// concurrent allocator is simply replaced in the next round.
package ids

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrExhausted is returned when repeated rounds fail to find enough unused ids.
var ErrExhausted = errors.New("id space exhausted")

type Kind string

const (
	KindAccount Kind = "account"
	KindContent Kind = "content"
)

// Registry is the persistent record of every id ever allocated.
type Registry interface {
	// Existing returns the subset of candidates that are already taken.
	Existing(ctx context.Context, candidates []int64) (map[int64]bool, error)
	// Claim inserts candidates that are still free and returns the ones it won.
	Claim(ctx context.Context, kind Kind, candidates []int64) ([]int64, error)
}

type Allocator struct {
	reg        Registry
	oversample int
	max        int64
	maxRounds  int
	draw       func(n int64) int64
}

func NewAllocator(reg Registry, oversample int, max int64) *Allocator {
	if oversample < 1 {
		oversample = 1
	}
	return &Allocator{
		reg:        reg,
		oversample: oversample,
		max:        max,
		maxRounds:  10,
		draw:       rand.Int64N,
	}
}

// Allocate returns n distinct ids that were unused at claim time.
func (a *Allocator) Allocate(ctx context.Context, kind Kind, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}

	out := make([]int64, 0, n)
	tried := make(map[int64]struct{})

	for round := 0; len(out) < n; round++ {
		if round >= a.maxRounds {
			return nil, fmt.Errorf("%w: got %d of %d after %d rounds", ErrExhausted, len(out), n, round)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		need := n - len(out)
		candidates := a.candidates(need*a.oversample, tried)
		if len(candidates) == 0 {
			continue
		}

		taken, err := a.reg.Existing(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("check candidates: %w", err)
		}

		free := make([]int64, 0, need)
		for _, c := range candidates {
			if taken[c] {
				continue
			}
			free = append(free, c)
			if len(free) == need {
				break
			}
		}
		if len(free) == 0 {
			continue
		}

		claimed, err := a.reg.Claim(ctx, kind, free)
		if err != nil {
			return nil, fmt.Errorf("claim ids: %w", err)
		}
		out = append(out, claimed...)
	}

	return out, nil
}

// AllocateOne is a convenience wrapper around Allocate.
func (a *Allocator) AllocateOne(ctx context.Context, kind Kind) (int64, error) {
	ids, err := a.Allocate(ctx, kind, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (a *Allocator) candidates(count int, tried map[int64]struct{}) []int64 {
	out := make([]int64, 0, count)
	// Bounded so a tiny id space cannot spin forever.
	for attempts := 0; len(out) < count && attempts < count*4; attempts++ {
		c := a.draw(a.max) + 1
		if _, dup := tried[c]; dup {
			continue
		}
		tried[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
