// Package guildlock serializes event handling per guild.
//
// While a guild is locked, records targeting it are deferred by the router and
// replayed in arrival order once the lock is released.
package guildlock

import (
	"slices"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// Sequencer is a set of locked guild ids.
//
// It is safe for concurrent use. The event worker takes and releases locks;
// REST completion callbacks only query them.
type Sequencer struct {
	mu       sync.RWMutex
	locked   map[snowflake.ID]struct{}
	released chan struct{}
}

// New creates an empty sequencer.
func New() *Sequencer {
	return &Sequencer{
		locked:   make(map[snowflake.ID]struct{}),
		released: make(chan struct{}, 1),
	}
}

// Lock marks id as locked. It returns false when id was already locked.
func (s *Sequencer) Lock(id snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locked[id]; ok {
		return false
	}
	s.locked[id] = struct{}{}

	return true
}

// IsLocked reports whether id is currently locked.
func (s *Sequencer) IsLocked(id snowflake.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.locked[id]

	return ok
}

// Unlock releases id and signals Released. Unlocking an id that is not
// locked is a no-op.
func (s *Sequencer) Unlock(id snowflake.ID) {
	s.mu.Lock()
	_, ok := s.locked[id]
	delete(s.locked, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	select {
	case s.released <- struct{}{}:
	default:
	}
}

// Locked returns currently locked ids in ascending order.
func (s *Sequencer) Locked() []snowflake.ID {
	s.mu.RLock()
	ids := make([]snowflake.ID, 0, len(s.locked))
	for id := range s.locked {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	return ids
}

// Released delivers a coalesced signal after one or more Unlock calls.
// Receivers should re-check every backlog they hold, not just one key.
func (s *Sequencer) Released() <-chan struct{} {
	return s.released
}
