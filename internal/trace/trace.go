// Package trace records the engine's audit trail: what triggered, what
// evaluated, what executed, and how long it took. The collector is a
// bounded in-memory ring; the profiler derives per-rule statistics from
// the same stream.
package trace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/ident"
)

// Entry types.
const (
	TypeRuleTriggered      = "rule_triggered"
	TypeRuleExecuted       = "rule_executed"
	TypeRuleSkipped        = "rule_skipped"
	TypeConditionEvaluated = "condition_evaluated"
	TypeActionStarted      = "action_started"
	TypeActionCompleted    = "action_completed"
	TypeActionFailed       = "action_failed"
	TypeFactChanged        = "fact_changed"
	TypeEventEmitted       = "event_emitted"
	TypeTimerSet           = "timer_set"
	TypeTimerCancelled     = "timer_cancelled"
	TypeTimerExpired       = "timer_expired"
	TypeHotReloadStarted   = "hot_reload_started"
	TypeHotReloadCompleted = "hot_reload_completed"
	TypeHotReloadFailed    = "hot_reload_failed"
)

// Entry is one recorded trace event. DurationMs is set only for entry types
// that measure something (rule_executed, condition_evaluated, action_*).
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     int64          `json:"timestamp"`
	Type          string         `json:"type"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`
	RuleID        string         `json:"ruleId,omitempty"`
	RuleName      string         `json:"ruleName,omitempty"`
	DurationMs    float64        `json:"durationMs,omitempty"`
}

const defaultMaxEntries = 10000

// Collector is a bounded ring of trace entries with secondary indexes.
// Recording is a no-op while disabled. When the ring fills, the oldest ~10%
// are evicted and unindexed in one batch.
type Collector struct {
	mu      sync.RWMutex
	enabled bool
	max     int
	entries []*Entry

	byCorrelation map[string][]*Entry
	byRule        map[string][]*Entry
	byType        map[string][]*Entry

	subs    map[int]func(*Entry)
	nextSub int

	ids ident.Generator
	now func() time.Time
}

// NewCollector creates a collector holding at most max entries
// (defaultMaxEntries when max <= 0). Collection starts disabled.
func NewCollector(max int, ids ident.Generator) *Collector {
	if max <= 0 {
		max = defaultMaxEntries
	}
	if ids == nil {
		ids = ident.UUIDv7Generator{}
	}
	return &Collector{
		max:           max,
		byCorrelation: make(map[string][]*Entry),
		byRule:        make(map[string][]*Entry),
		byType:        make(map[string][]*Entry),
		subs:          make(map[int]func(*Entry)),
		ids:           ids,
		now:           time.Now,
	}
}

// SetEnabled toggles recording.
func (c *Collector) SetEnabled(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
}

// Enabled reports whether recording is on.
func (c *Collector) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Record stamps and stores an entry, then fans it out to subscribers.
// A no-op while the collector is disabled.
func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	if e.ID == "" {
		e.ID = c.ids.NewID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = c.now().UnixMilli()
	}
	stored := &e

	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries = append(c.entries, stored)
	if stored.CorrelationID != "" {
		c.byCorrelation[stored.CorrelationID] = append(c.byCorrelation[stored.CorrelationID], stored)
	}
	if stored.RuleID != "" {
		c.byRule[stored.RuleID] = append(c.byRule[stored.RuleID], stored)
	}
	c.byType[stored.Type] = append(c.byType[stored.Type], stored)

	subs := make([]func(*Entry), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		deliver(fn, stored)
	}
}

func deliver(fn func(*Entry), e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trace subscriber panicked", "panic", r, "entry", e.Type)
		}
	}()
	fn(e)
}

// evictLocked drops the oldest ~10% and cleans the indexes in lockstep.
func (c *Collector) evictLocked() {
	n := c.max / 10
	if n < 1 {
		n = 1
	}
	victims := c.entries[:n]
	c.entries = append(c.entries[:0], c.entries[n:]...)

	doomed := make(map[*Entry]struct{}, len(victims))
	for _, e := range victims {
		doomed[e] = struct{}{}
	}
	for _, e := range victims {
		if e.CorrelationID != "" {
			c.byCorrelation[e.CorrelationID] = dropDoomed(c.byCorrelation[e.CorrelationID], doomed)
			if len(c.byCorrelation[e.CorrelationID]) == 0 {
				delete(c.byCorrelation, e.CorrelationID)
			}
		}
		if e.RuleID != "" {
			c.byRule[e.RuleID] = dropDoomed(c.byRule[e.RuleID], doomed)
			if len(c.byRule[e.RuleID]) == 0 {
				delete(c.byRule, e.RuleID)
			}
		}
		c.byType[e.Type] = dropDoomed(c.byType[e.Type], doomed)
		if len(c.byType[e.Type]) == 0 {
			delete(c.byType, e.Type)
		}
	}
}

func dropDoomed(es []*Entry, doomed map[*Entry]struct{}) []*Entry {
	out := es[:0]
	for _, e := range es {
		if _, dead := doomed[e]; !dead {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a real-time consumer of recorded entries. The
// returned func removes the subscription. Panicking subscribers are
// isolated from the recorder and from each other.
func (c *Collector) Subscribe(fn func(*Entry)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// All returns every retained entry, oldest first.
func (c *Collector) All() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// ByCorrelation returns entries sharing a correlation id, oldest first.
func (c *Collector) ByCorrelation(id string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Entry(nil), c.byCorrelation[id]...)
}

// ByRule returns entries recorded for a rule, oldest first.
func (c *Collector) ByRule(id string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Entry(nil), c.byRule[id]...)
}

// ByType returns entries of one type, oldest first.
func (c *Collector) ByType(t string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Entry(nil), c.byType[t]...)
}

// Len returns the number of retained entries.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries and indexes, keeping subscriptions.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.byCorrelation = make(map[string][]*Entry)
	c.byRule = make(map[string][]*Entry)
	c.byType = make(map[string][]*Entry)
}
