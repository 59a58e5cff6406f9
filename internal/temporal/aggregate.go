package temporal

import (
	"fmt"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/value"
)

// AggregateMatcher matches on an aggregate of a numeric event field over a
// window. Window semantics mirror CountMatcher: sliding evaluates on every
// event, tumbling at aligned window ends. Events whose field is missing or
// non-numeric are ignored.
type AggregateMatcher struct {
	mu        sync.Mutex
	patterns  map[string]*AggregatePattern
	instances map[string]*aggInstance
	sched     Scheduler
	onWindow  func(instanceID string)
}

type aggSample struct {
	ts int64
	v  float64
}

type aggInstance struct {
	patternID   string
	group       string
	samples     []aggSample
	windowStart int64
}

// NewAggregateMatcher creates an aggregate matcher.
func NewAggregateMatcher(sched Scheduler, onWindow func(instanceID string)) *AggregateMatcher {
	if sched == nil {
		sched = NoopScheduler{}
	}
	return &AggregateMatcher{
		patterns:  make(map[string]*AggregatePattern),
		instances: make(map[string]*aggInstance),
		sched:     sched,
		onWindow:  onWindow,
	}
}

// AddPattern registers an aggregate pattern under id.
func (m *AggregateMatcher) AddPattern(id string, p Pattern) error {
	if p.Type != PatternAggregate {
		return fmt.Errorf("pattern %s is not an aggregate pattern", id)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[id] = p.Aggregate
	return nil
}

// RemovePattern drops a pattern and all of its instances.
func (m *AggregateMatcher) RemovePattern(id string) {
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

// ProcessEvent accumulates samples and, in sliding mode, evaluates the
// aggregate immediately.
func (m *AggregateMatcher) ProcessEvent(e *events.Event) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Match
	for id, p := range m.patterns {
		if !p.Event.matches(e) {
			continue
		}
		raw, ok := value.PathGet(e.Data, p.Field)
		if !ok {
			continue
		}
		n, ok := value.ToNumber(raw)
		if !ok {
			continue
		}

		window := mustWindow(p.Window).Milliseconds()
		group := groupKey(p.GroupBy, e)
		key := instanceID(id, group)

		inst := m.instances[key]
		if inst == nil {
			inst = &aggInstance{patternID: id, group: group}
			m.instances[key] = inst
		}

		if p.Sliding {
			inst.samples = pruneSamples(inst.samples, e.Timestamp-window)
			inst.samples = append(inst.samples, aggSample{ts: e.Timestamp, v: n})
			agg := aggregate(p.Function, inst.samples)
			if compare(p.Comparison, agg, p.Threshold) {
				out = append(out, Match{
					PatternID: id,
					Type:      PatternAggregate,
					GroupKey:  group,
					Count:     len(inst.samples),
					Value:     agg,
					Timestamp: e.Timestamp,
				})
			}
			continue
		}

		ws := alignWindow(e.Timestamp, window)
		if inst.windowStart != ws {
			if len(inst.samples) > 0 {
				out = append(out, m.evalTumblingLocked(id, p, inst)...)
			}
			inst.windowStart = ws
			inst.samples = inst.samples[:0]
			remaining := time.Duration(ws+window-e.Timestamp) * time.Millisecond
			if m.onWindow != nil {
				m.sched.Schedule(key, remaining, func() { m.onWindow(key) })
			}
		}
		inst.samples = append(inst.samples, aggSample{ts: e.Timestamp, v: n})
	}
	return out
}

// HandleWindowEnd closes a tumbling window and evaluates it.
func (m *AggregateMatcher) HandleWindowEnd(instID string) []Match {
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

func (m *AggregateMatcher) evalTumblingLocked(id string, p *AggregatePattern, inst *aggInstance) []Match {
	samples := inst.samples
	windowEnd := inst.windowStart + mustWindow(p.Window).Milliseconds()
	n := len(samples)
	agg := aggregate(p.Function, samples)
	inst.samples = inst.samples[:0]
	inst.windowStart = 0

	if !compare(p.Comparison, agg, p.Threshold) {
		return nil
	}
	return []Match{{
		PatternID: id,
		Type:      PatternAggregate,
		GroupKey:  inst.group,
		Count:     n,
		Value:     agg,
		Timestamp: windowEnd,
	}}
}

// Reset drops all patterns and instances.
func (m *AggregateMatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.instances {
		m.sched.Cancel(key)
	}
	m.patterns = make(map[string]*AggregatePattern)
	m.instances = make(map[string]*aggInstance)
}

func pruneSamples(ss []aggSample, cutoff int64) []aggSample {
	i := 0
	for i < len(ss) && ss[i].ts <= cutoff {
		i++
	}
	return append(ss[:0], ss[i:]...)
}

func aggregate(fn string, ss []aggSample) float64 {
	if len(ss) == 0 {
		return 0
	}
	switch fn {
	case "count":
		return float64(len(ss))
	case "sum", "avg":
		var sum float64
		for _, s := range ss {
			sum += s.v
		}
		if fn == "avg" {
			return sum / float64(len(ss))
		}
		return sum
	case "min":
		m := ss[0].v
		for _, s := range ss[1:] {
			if s.v < m {
				m = s.v
			}
		}
		return m
	case "max":
		m := ss[0].v
		for _, s := range ss[1:] {
			if s.v > m {
				m = s.v
			}
		}
		return m
	default:
		return 0
	}
}
