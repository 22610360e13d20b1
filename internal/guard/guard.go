// Package guard tracks ids with work in flight. Each worker owns its own Set.
package guard

import "sync"

// Set is a concurrency-safe set of in-flight ids with an optional capacity.
type Set struct {
	mu       sync.Mutex
	ids      map[int64]struct{}
	capacity int
}

// New returns a Set admitting at most capacity ids at once. A capacity of zero or
// less means unbounded.
func New(capacity int) *Set {
	return &Set{ids: make(map[int64]struct{}), capacity: capacity}
}

// TryAcquire marks id as in flight. It returns false when id is already held or the
// set is full.
func (s *Set) TryAcquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if s.capacity > 0 && len(s.ids) >= s.capacity {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *Set) Release(id int64) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *Set) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Free reports how many more ids can be admitted; -1 when unbounded.
func (s *Set) Free() int {
	if s.capacity <= 0 {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - len(s.ids)
}

// IDs returns the ids currently held, in no particular order.
func (s *Set) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}
