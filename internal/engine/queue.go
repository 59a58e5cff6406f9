package engine

import (
	"sync"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/facts"
	"github.com/noex/noex-rules/internal/temporal"
	"github.com/noex/noex-rules/internal/timers"
)

// triggerKind distinguishes the stimuli that flow through the processing
// queue.
type triggerKind int

const (
	kindEvent triggerKind = iota + 1
	kindFactChange
	kindTimerFire
	kindTemporalMatch
	kindWindowEnd
)

// trigger is one unit of work for the engine's worker. Exactly one payload
// field is set, per kind.
type trigger struct {
	kind triggerKind

	event  *events.Event
	change *facts.Change
	expiry *timers.Expiry
	match  *temporal.Match

	// kindWindowEnd: which matcher's window closed, and for which instance.
	patternType temporal.PatternType
	instanceID  string

	// Causality carried from the trigger's producer (temporal matches keep
	// the correlation of the event that completed them).
	correlationID string
	causationID   string
}

// triggerQueue is a thread-safe FIFO for triggers.
//
// The queue is unbounded so cascading rule firings can enqueue arbitrarily
// many follow-on events without blocking the worker that produces them.
// External callers enqueue from any goroutine; the engine's run loop is the
// only dequeuer. The signal channel is buffered with size 1 so repeated
// enqueues coalesce into a single wakeup.
type triggerQueue struct {
	mu      sync.Mutex
	pending []trigger
	closed  bool
	signal  chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		pending: make([]trigger, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends a trigger. Returns false if the queue is closed.
func (q *triggerQueue) Enqueue(t trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, t)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front trigger without blocking.
func (q *triggerQueue) TryDequeue() (trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return trigger{}, false
	}
	t := q.pending[0]
	// Nil the slot so the backing array does not retain event pointers.
	q.pending[0] = trigger{}
	if len(q.pending) == 1 {
		q.pending = q.pending[:0]
	} else {
		q.pending = q.pending[1:]
	}
	return t, true
}

// Wait returns the wakeup channel for use in a select with ctx.Done().
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects further enqueues and wakes all waiters.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
