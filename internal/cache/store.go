package cache

import (
	"slices"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// store is one entity map guarded by its own lock.
//
// Every method is atomic on its own. Sequences of calls across stores are
// serialized by Cache.writeMu.
type store[T hibiki.Entity] struct {
	mu    sync.RWMutex
	items map[snowflake.ID]T
}

func newStore[T hibiki.Entity]() *store[T] {
	return &store[T]{items: make(map[snowflake.ID]T)}
}

func (s *store[T]) Get(id snowflake.ID) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]

	return item, ok
}

func (s *store[T]) Has(id snowflake.ID) bool {
	_, ok := s.Get(id)

	return ok
}

func (s *store[T]) Put(item T) {
	s.mu.Lock()
	s.items[item.ID()] = item
	s.mu.Unlock()
}

func (s *store[T]) Remove(id snowflake.ID) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}

	return item, ok
}

// ComputeIfPresent replaces the entry for id with fn's result, or deletes it
// when fn returns keep=false. It returns the stored value and whether one was
// present.
func (s *store[T]) ComputeIfPresent(id snowflake.ID, fn func(current T) (next T, keep bool)) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		var zero T
		return zero, false
	}

	next, keep := fn(current)
	if !keep {
		delete(s.items, id)
		return current, true
	}
	s.items[id] = next

	return next, true
}

// Snapshot returns all entries ordered by id.
func (s *store[T]) Snapshot() []T {
	s.mu.RLock()
	items := make([]T, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	s.mu.RUnlock()

	slices.SortFunc(items, func(a, b T) int {
		return compareIDs(a.ID(), b.ID())
	})

	return items
}

func (s *store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

func compareIDs(a, b snowflake.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
