package temporal

import (
	"fmt"
	"sync"

	"github.com/noex/noex-rules/internal/events"
)

// SequenceMatcher tracks ordered event series per pattern and group.
// At most one instance is active per (pattern, group): a first-event match
// while an instance is live only advances the existing state machine.
type SequenceMatcher struct {
	mu        sync.Mutex
	patterns  map[string]*SequencePattern
	instances map[string]*seqInstance // keyed by instanceID(pattern, group)
	sched     Scheduler
}

type seqInstance struct {
	patternID string
	group     string
	idx       int // next expected step
	firstTS   int64
	matched   []*events.Event
	aliases   map[string]*events.Event
}

// NewSequenceMatcher creates a sequence matcher using the given scheduler
// for instance expiry.
func NewSequenceMatcher(sched Scheduler) *SequenceMatcher {
	if sched == nil {
		sched = NoopScheduler{}
	}
	return &SequenceMatcher{
		patterns:  make(map[string]*SequencePattern),
		instances: make(map[string]*seqInstance),
		sched:     sched,
	}
}

// AddPattern registers a sequence pattern under id.
func (m *SequenceMatcher) AddPattern(id string, p Pattern) error {
	if p.Type != PatternSequence {
		return fmt.Errorf("pattern %s is not a sequence pattern", id)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[id] = p.Sequence
	return nil
}

// RemovePattern drops a pattern and all of its instances.
func (m *SequenceMatcher) RemovePattern(id string) {
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

// ProcessEvent advances instances and returns completed matches.
func (m *SequenceMatcher) ProcessEvent(e *events.Event) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Match
	for id, p := range m.patterns {
		within := mustWindow(p.Within)
		group := groupKey(p.GroupBy, e)
		key := instanceID(id, group)

		inst := m.instances[key]
		if inst != nil && e.Timestamp >= inst.firstTS+within.Milliseconds() {
			// Window elapsed without completion.
			m.sched.Cancel(key)
			delete(m.instances, key)
			inst = nil
		}

		if inst == nil {
			if !p.Events[0].matches(e) {
				continue
			}
			inst = &seqInstance{
				patternID: id,
				group:     group,
				idx:       1,
				firstTS:   e.Timestamp,
				matched:   []*events.Event{e},
				aliases:   make(map[string]*events.Event),
			}
			if as := p.Events[0].As; as != "" {
				inst.aliases[as] = e
			}
			if len(p.Events) == 1 {
				out = append(out, seqMatch(id, inst, e.Timestamp))
				continue
			}
			m.instances[key] = inst
			m.sched.Schedule(key, within, func() {})
			continue
		}

		step := p.Events[inst.idx]
		if !step.matches(e) {
			continue
		}
		inst.matched = append(inst.matched, e)
		if step.As != "" {
			inst.aliases[step.As] = e
		}
		inst.idx++
		if inst.idx == len(p.Events) {
			out = append(out, seqMatch(id, inst, e.Timestamp))
			m.sched.Cancel(key)
			delete(m.instances, key)
		}
	}
	return out
}

// HandleWindowEnd expires an instance whose window elapsed. Sequences never
// match at window end.
func (m *SequenceMatcher) HandleWindowEnd(instID string) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instID)
	return nil
}

// Reset drops all patterns and instances.
func (m *SequenceMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.instances {
		m.sched.Cancel(key)
	}
	m.patterns = make(map[string]*SequencePattern)
	m.instances = make(map[string]*seqInstance)
}

// InstanceCount returns the number of live instances.
// Used for testing and introspection.
func (m *SequenceMatcher) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

func seqMatch(patternID string, inst *seqInstance, ts int64) Match {
	return Match{
		PatternID: patternID,
		Type:      PatternSequence,
		GroupKey:  inst.group,
		Events:    inst.matched,
		Aliases:   inst.aliases,
		Count:     len(inst.matched),
		Timestamp: ts,
	}
}
