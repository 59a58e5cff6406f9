package temporal

import (
	"fmt"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/events"
)

// CountMatcher matches on the number of qualifying events in a window.
//
// Sliding mode prunes events older than `now - window` on each arrival and
// evaluates continuously; the instance stays active after a match. Tumbling
// mode accumulates into aligned windows (floor(now/window)*window) and
// evaluates only at window end, at most one match per window.
type CountMatcher struct {
	mu        sync.Mutex
	patterns  map[string]*CountPattern
	instances map[string]*cntInstance
	sched     Scheduler
	onWindow  func(instanceID string)
}

type cntInstance struct {
	patternID   string
	group       string
	timestamps  []int64
	windowStart int64 // tumbling only
}

// NewCountMatcher creates a count matcher. onWindow fires from the
// scheduler goroutine at tumbling window boundaries.
func NewCountMatcher(sched Scheduler, onWindow func(instanceID string)) *CountMatcher {
	if sched == nil {
		sched = NoopScheduler{}
	}
	return &CountMatcher{
		patterns:  make(map[string]*CountPattern),
		instances: make(map[string]*cntInstance),
		sched:     sched,
		onWindow:  onWindow,
	}
}

// AddPattern registers a count pattern under id.
func (m *CountMatcher) AddPattern(id string, p Pattern) error {
	if p.Type != PatternCount {
		return fmt.Errorf("pattern %s is not a count pattern", id)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[id] = p.Count
	return nil
}

// RemovePattern drops a pattern and all of its instances.
func (m *CountMatcher) RemovePattern(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, id)
	for key, inst := range m.instances {
		if inst.patternID == id {
			m.sched.Cancel(key)
			delete(m.instances, key)
		}
	}
}

// ProcessEvent accumulates qualifying events and, in sliding mode,
// evaluates the threshold immediately.
func (m *CountMatcher) ProcessEvent(e *events.Event) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Match
	for id, p := range m.patterns {
		if !p.Event.matches(e) {
			continue
		}
		window := mustWindow(p.Window).Milliseconds()
		group := groupKey(p.GroupBy, e)
		key := instanceID(id, group)

		inst := m.instances[key]
		if inst == nil {
			inst = &cntInstance{patternID: id, group: group}
			m.instances[key] = inst
		}

		if p.Sliding {
			// Events at exactly now-window fall outside the window.
			inst.timestamps = prune(inst.timestamps, e.Timestamp-window)
			inst.timestamps = append(inst.timestamps, e.Timestamp)
			if compare(p.Comparison, float64(len(inst.timestamps)), p.Threshold) {
				out = append(out, Match{
					PatternID: id,
					Type:      PatternCount,
					GroupKey:  group,
					Count:     len(inst.timestamps),
					Value:     float64(len(inst.timestamps)),
					Timestamp: e.Timestamp,
				})
			}
			continue
		}

		// Tumbling: aligned windows, evaluated at window end.
		ws := alignWindow(e.Timestamp, window)
		if inst.windowStart != ws {
			if len(inst.timestamps) > 0 {
				// Late boundary crossing: close the previous window now.
				out = append(out, m.evalTumblingLocked(id, p, inst)...)
			}
			inst.windowStart = ws
			inst.timestamps = inst.timestamps[:0]
			remaining := time.Duration(ws+window-e.Timestamp) * time.Millisecond
			if m.onWindow != nil {
				m.sched.Schedule(key, remaining, func() { m.onWindow(key) })
			}
		}
		inst.timestamps = append(inst.timestamps, e.Timestamp)
	}
	return out
}

// HandleWindowEnd closes a tumbling window and evaluates it.
func (m *CountMatcher) HandleWindowEnd(instID string) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instID]
	if !ok {
		return nil
	}
	p, ok := m.patterns[inst.patternID]
	if !ok || p.Sliding {
		return nil
	}
	return m.evalTumblingLocked(inst.patternID, p, inst)
}

func (m *CountMatcher) evalTumblingLocked(id string, p *CountPattern, inst *cntInstance) []Match {
	n := len(inst.timestamps)
	windowEnd := inst.windowStart + mustWindow(p.Window).Milliseconds()
	inst.timestamps = inst.timestamps[:0]
	inst.windowStart = 0

	if !compare(p.Comparison, float64(n), p.Threshold) {
		return nil
	}
	return []Match{{
		PatternID: id,
		Type:      PatternCount,
		GroupKey:  inst.group,
		Count:     n,
		Value:     float64(n),
		Timestamp: windowEnd,
	}}
}

// Reset drops all patterns and instances.
func (m *CountMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.instances {
		m.sched.Cancel(key)
	}
	m.patterns = make(map[string]*CountPattern)
	m.instances = make(map[string]*cntInstance)
}

// prune removes timestamps at or before cutoff.
func prune(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	return append(ts[:0], ts[i:]...)
}

// alignWindow returns floor(now/window)*window.
func alignWindow(now, window int64) int64 {
	return (now / window) * window
}
