package temporal

import (
	"fmt"
	"sync"

	"github.com/noex/noex-rules/internal/events"
)

// AbsenceMatcher watches for an expected event failing to arrive within a
// window after a starting event. The window-end callback is delivered
// through OnWindowEnd so the engine can route it onto its processing queue.
type AbsenceMatcher struct {
	mu        sync.Mutex
	patterns  map[string]*AbsencePattern
	instances map[string]*absInstance
	sched     Scheduler
	onWindow  func(instanceID string)
}

type absInstance struct {
	patternID string
	group     string
	deadline  int64 // ms since epoch, event time
	after     *events.Event
}

// NewAbsenceMatcher creates an absence matcher. onWindow is invoked from the
// scheduler goroutine when a window deadline fires; pass nil when driving
// HandleWindowEnd manually.
func NewAbsenceMatcher(sched Scheduler, onWindow func(instanceID string)) *AbsenceMatcher {
	if sched == nil {
		sched = NoopScheduler{}
	}
	return &AbsenceMatcher{
		patterns:  make(map[string]*AbsencePattern),
		instances: make(map[string]*absInstance),
		sched:     sched,
		onWindow:  onWindow,
	}
}

// AddPattern registers an absence pattern under id.
func (m *AbsenceMatcher) AddPattern(id string, p Pattern) error {
	if p.Type != PatternAbsence {
		return fmt.Errorf("pattern %s is not an absence pattern", id)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[id] = p.Absence
	return nil
}

// RemovePattern drops a pattern and all of its instances.
func (m *AbsenceMatcher) RemovePattern(id string) {
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

// ProcessEvent opens instances on `after` matches and cancels them on
// `expected` matches. An expected event arriving exactly at the window end
// still cancels (no match).
func (m *AbsenceMatcher) ProcessEvent(e *events.Event) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.patterns {
		group := groupKey(p.GroupBy, e)
		key := instanceID(id, group)
		inst := m.instances[key]

		if inst != nil && p.Expected.matches(e) && e.Timestamp <= inst.deadline {
			m.sched.Cancel(key)
			delete(m.instances, key)
			continue
		}

		if inst == nil && p.After.matches(e) {
			within := mustWindow(p.Within)
			m.instances[key] = &absInstance{
				patternID: id,
				group:     group,
				deadline:  e.Timestamp + within.Milliseconds(),
				after:     e,
			}
			if m.onWindow != nil {
				m.sched.Schedule(key, within, func() { m.onWindow(key) })
			} else {
				m.sched.Schedule(key, within, func() {})
			}
		}
	}
	// Absence never matches on an event arrival.
	return nil
}

// HandleWindowEnd fires the absence match for a still-open instance.
func (m *AbsenceMatcher) HandleWindowEnd(instID string) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instID]
	if !ok {
		return nil
	}
	delete(m.instances, instID)

	return []Match{{
		PatternID: inst.patternID,
		Type:      PatternAbsence,
		GroupKey:  inst.group,
		Events:    []*events.Event{inst.after},
		Count:     1,
		Timestamp: inst.deadline,
	}}
}

// Reset drops all patterns and instances.
func (m *AbsenceMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.instances {
		m.sched.Cancel(key)
	}
	m.patterns = make(map[string]*AbsencePattern)
	m.instances = make(map[string]*absInstance)
}

// InstanceCount returns the number of open instances.
// Used for testing and introspection.
func (m *AbsenceMatcher) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
