// Package cachestate tracks, per source file, when each named format was
// last cached. The tracker is an in-memory mirror; durability belongs to the
// Persister supplied by the owner.
package cachestate

import (
	"context"
	"sort"
	"sync"
)

// Persister stores a State on behalf of its owner.
type Persister interface {
	SaveState(ctx context.Context, s *State) error
}

// Store loads the State of a source file, creating an empty one when none
// was persisted yet.
type Store interface {
	Persister
	Load(ctx context.Context, key string) (*State, error)
}

// State maps format names to positive unix timestamps. A missing entry means
// the format was never cached or has been invalidated.
type State struct {
	key       string
	persister Persister

	mu       sync.RWMutex
	cachedAt map[string]int64
	dirty    map[string]struct{}
}

// Changes are the entries modified since the state was restored or last
// saved. Persisters may write only these.
type Changes struct {
	Set     map[string]int64
	Removed []string
}

// Empty reports whether there is nothing to persist.
func (c Changes) Empty() bool {
	return len(c.Set) == 0 && len(c.Removed) == 0
}

// New returns an empty State for the source identified by key. persister may
// be nil, in which case SaveState always succeeds.
func New(key string, persister Persister) *State {
	return &State{
		key:       key,
		persister: persister,
		cachedAt:  make(map[string]int64),
		dirty:     make(map[string]struct{}),
	}
}

// Key returns the source key the state belongs to.
func (s *State) Key() string {
	return s.key
}

// Restore replaces all entries, dropping non-positive timestamps.
func (s *State) Restore(entries map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cachedAt = make(map[string]int64, len(entries))
	s.dirty = make(map[string]struct{})
	for format, ts := range entries {
		if ts > 0 {
			s.cachedAt[format] = ts
		}
	}
}

// Snapshot returns a copy of all entries.
func (s *State) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.cachedAt))
	for format, ts := range s.cachedAt {
		out[format] = ts
	}
	return out
}

// Formats returns the cached format names in sorted order.
func (s *State) Formats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.cachedAt))
	for format := range s.cachedAt {
		out = append(out, format)
	}
	sort.Strings(out)
	return out
}

// CachedAt returns the timestamp recorded for format and whether one exists.
func (s *State) CachedAt(format string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.cachedAt[format]
	if !ok || ts <= 0 {
		return 0, false
	}
	return ts, true
}

// SetCachedAt records ts for format. A non-positive ts removes the entry.
func (s *State) SetCachedAt(format string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty[format] = struct{}{}
	if ts <= 0 {
		delete(s.cachedAt, format)
		return
	}
	s.cachedAt[format] = ts
}

// Changes returns the entries modified since the last successful save.
func (s *State) Changes() Changes {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Changes{Set: make(map[string]int64)}
	for format := range s.dirty {
		if ts, ok := s.cachedAt[format]; ok {
			c.Set[format] = ts
		} else {
			c.Removed = append(c.Removed, format)
		}
	}
	sort.Strings(c.Removed)
	return c
}

// settle clears the dirty marks of entries that still hold the values in c.
func (s *State) settle(c Changes) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for format, ts := range c.Set {
		if s.cachedAt[format] == ts {
			delete(s.dirty, format)
		}
	}
	for _, format := range c.Removed {
		if _, ok := s.cachedAt[format]; !ok {
			delete(s.dirty, format)
		}
	}
}

// Invalidate removes the entry for format.
func (s *State) Invalidate(format string) {
	s.SetCachedAt(format, 0)
}

// IsCached reports whether format has a recorded timestamp.
func (s *State) IsCached(format string) bool {
	_, ok := s.CachedAt(format)
	return ok
}

// SaveState hands the state to the persister. This is the only path through
// which the tracker triggers persistence; callers must check the error.
func (s *State) SaveState(ctx context.Context) error {
	changes := s.Changes()
	if s.persister != nil {
		if err := s.persister.SaveState(ctx, s); err != nil {
			return err
		}
	}
	s.settle(changes)
	return nil
}
