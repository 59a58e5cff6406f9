// Package facts implements the versioned fact store with synchronous change
// notification.
//
// Facts are uniquely keyed by colon-delimited strings. Setting an existing
// key increments its version; deletion removes the record and notifies
// subscribers. Notifications run synchronously with respect to the mutating
// caller, and a panicking subscriber never prevents another subscriber from
// observing the change or fails the mutation.
package facts

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/pattern"
)

// Fact is a single keyed record.
type Fact struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
	Version   int    `json:"version"`
}

// Change describes a fact mutation delivered to subscribers.
type Change struct {
	Key      string
	Previous any
	Value    any
	Version  int
	Source   string
	Deleted  bool
}

// Store is the in-memory fact table.
type Store struct {
	mu      sync.RWMutex
	facts   map[string]*Fact
	subs    map[int]func(Change)
	nextSub int
	nowFn   func() time.Time
}

// NewStore creates an empty fact store.
func NewStore() *Store {
	return &Store{
		facts: make(map[string]*Fact),
		subs:  make(map[int]func(Change)),
		nowFn: time.Now,
	}
}

// Get returns the fact value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	if !ok {
		return nil, false
	}
	return f.Value, true
}

// GetFact returns a copy of the full fact record.
func (s *Store) GetFact(key string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	if !ok {
		return Fact{}, false
	}
	return *f, true
}

// Set writes a fact and notifies subscribers. An existing key keeps its
// identity and increments version. The returned Change carries the previous
// value (nil for a first write) and the new version.
func (s *Store) Set(key string, v any, source string) Change {
	s.mu.Lock()
	var prev any
	version := 1
	if existing, ok := s.facts[key]; ok {
		prev = existing.Value
		version = existing.Version + 1
	}
	s.facts[key] = &Fact{
		Key:       key,
		Value:     v,
		Timestamp: s.nowFn().UnixMilli(),
		Source:    source,
		Version:   version,
	}
	change := Change{Key: key, Previous: prev, Value: v, Version: version, Source: source}
	subs := s.snapshotSubs()
	s.mu.Unlock()

	notify(subs, change)
	return change
}

// Delete removes a fact and notifies subscribers. Returns false when the key
// was absent.
func (s *Store) Delete(key string, source string) bool {
	s.mu.Lock()
	f, ok := s.facts[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.facts, key)
	change := Change{Key: key, Previous: f.Value, Version: f.Version, Source: source, Deleted: true}
	subs := s.snapshotSubs()
	s.mu.Unlock()

	notify(subs, change)
	return true
}

// Has reports whether key exists.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.facts[key]
	return ok
}

// Keys returns all fact keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.facts))
	for k := range s.facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetByPattern returns copies of all facts whose key matches the colon
// pattern, sorted by key.
func (s *Store) GetByPattern(pat string) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Fact
	for k, f := range s.facts {
		if pattern.MatchKey(k, pat) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe registers a change callback and returns an unsubscribe func.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Clear removes all facts without notifying subscribers.
// Used for tests and engine shutdown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.facts = make(map[string]*Fact)
	s.mu.Unlock()
}

func (s *Store) snapshotSubs() []func(Change) {
	out := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// notify delivers a change to each subscriber, isolating panics so one
// subscriber cannot starve another or fail the mutation.
func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("fact subscriber panicked", "key", c.Key, "panic", r)
				}
			}()
			fn(c)
		}()
	}
}
