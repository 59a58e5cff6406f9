package events

import (
	"sync"

	"github.com/noex/noex-rules/internal/pattern"
)

// DefaultMaxEvents is the default retention of the event ring buffer.
const DefaultMaxEvents = 10000

// Store retains the last N events with secondary indexes by id and
// correlation. When the buffer reaches capacity, ~10% of the oldest entries
// are evicted in one batch and the indexes are cleaned up in lockstep.
type Store struct {
	mu            sync.RWMutex
	max           int
	order         []*Event // append-only until eviction; oldest first
	byID          map[string]*Event
	byCorrelation map[string][]*Event
}

// NewStore creates a store retaining at most max events.
// A non-positive max falls back to DefaultMaxEvents.
func NewStore(max int) *Store {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &Store{
		max:           max,
		byID:          make(map[string]*Event),
		byCorrelation: make(map[string][]*Event),
	}
}

// Append adds an event to the store, evicting a batch of oldest entries if
// the buffer is full.
func (s *Store) Append(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.max {
		s.evictLocked()
	}

	s.order = append(s.order, e)
	s.byID[e.ID] = e
	if e.CorrelationID != "" {
		s.byCorrelation[e.CorrelationID] = append(s.byCorrelation[e.CorrelationID], e)
	}
}

// evictLocked removes ~10% of the oldest events and unindexes each one.
func (s *Store) evictLocked() {
	n := s.max / 10
	if n < 1 {
		n = 1
	}
	if n > len(s.order) {
		n = len(s.order)
	}
	for _, e := range s.order[:n] {
		delete(s.byID, e.ID)
		if e.CorrelationID != "" {
			bucket := s.byCorrelation[e.CorrelationID]
			for i, ce := range bucket {
				if ce.ID == e.ID {
					bucket = append(bucket[:i], bucket[i+1:]...)
					break
				}
			}
			if len(bucket) == 0 {
				delete(s.byCorrelation, e.CorrelationID)
			} else {
				s.byCorrelation[e.CorrelationID] = bucket
			}
		}
	}
	s.order = append([]*Event(nil), s.order[n:]...)
}

// Get returns the event with the given id.
func (s *Store) Get(id string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// GetByTopic returns events with an exact topic, oldest first.
func (s *Store) GetByTopic(topic string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.order {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// GetByTopicPattern returns events whose topic matches the dot pattern,
// oldest first.
func (s *Store) GetByTopicPattern(pat string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.order {
		if pattern.MatchTopic(e.Topic, pat) {
			out = append(out, e)
		}
	}
	return out
}

// GetInTimeRange returns events with from <= timestamp <= to, oldest first.
func (s *Store) GetInTimeRange(from, to int64) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.order {
		if e.Timestamp >= from && e.Timestamp <= to {
			out = append(out, e)
		}
	}
	return out
}

// GetByCorrelation returns all retained events sharing a correlation id,
// oldest first.
func (s *Store) GetByCorrelation(correlationID string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.byCorrelation[correlationID]
	out := make([]*Event, len(bucket))
	copy(out, bucket)
	return out
}

// GetCausedBy returns events whose causation id is the given event id.
func (s *Store) GetCausedBy(id string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.order {
		if e.CausationID == id {
			out = append(out, e)
		}
	}
	return out
}

// GetAllEvents returns a snapshot of all retained events, oldest first.
func (s *Store) GetAllEvents() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear empties the store and its indexes.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*Event)
	s.byCorrelation = make(map[string][]*Event)
}
