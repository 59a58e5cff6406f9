package trace

import (
	"fmt"
	"slices"
	"sync"
)

// Timing accumulates duration statistics in milliseconds.
type Timing struct {
	Count int     `json:"count"`
	Total float64 `json:"totalMs"`
	Min   float64 `json:"minMs"`
	Max   float64 `json:"maxMs"`
}

func (t *Timing) observe(ms float64) {
	if t.Count == 0 || ms < t.Min {
		t.Min = ms
	}
	if ms > t.Max {
		t.Max = ms
	}
	t.Count++
	t.Total += ms
}

// Avg returns the mean duration, 0 when nothing was observed.
func (t *Timing) Avg() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.Total / float64(t.Count)
}

// ConditionProfile aggregates one condition slot of a rule.
type ConditionProfile struct {
	Index  int    `json:"index"`
	Evals  int    `json:"evals"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Timing Timing `json:"timing"`
}

// PassRate returns passed/evals, 1 when never evaluated.
func (p *ConditionProfile) PassRate() float64 {
	if p.Evals == 0 {
		return 1
	}
	return float64(p.Passed) / float64(p.Evals)
}

// ActionProfile aggregates one action slot of a rule, keyed by index and type.
type ActionProfile struct {
	Index     int    `json:"index"`
	Type      string `json:"type"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Timing    Timing `json:"timing"`
}

// RuleProfile is the per-rule aggregate view.
type RuleProfile struct {
	RuleID     string                    `json:"ruleId"`
	RuleName   string                    `json:"ruleName"`
	Triggered  int                       `json:"triggered"`
	Executed   int                       `json:"executed"`
	Skipped    int                       `json:"skipped"`
	Failed     int                       `json:"failed"`
	Execution  Timing                    `json:"execution"`
	Conditions map[int]*ConditionProfile `json:"conditions,omitempty"`
	Actions    map[string]*ActionProfile `json:"actions,omitempty"`
}

// PassRate returns executed/triggered, 1 when never triggered.
func (p *RuleProfile) PassRate() float64 {
	if p.Triggered == 0 {
		return 1
	}
	return float64(p.Executed) / float64(p.Triggered)
}

// Summary is the engine-wide rollup.
type Summary struct {
	Rules          int     `json:"rules"`
	TotalTriggered int     `json:"totalTriggered"`
	TotalExecuted  int     `json:"totalExecuted"`
	TotalSkipped   int     `json:"totalSkipped"`
	TotalFailed    int     `json:"totalFailed"`
	TotalTimeMs    float64 `json:"totalTimeMs"`
}

// Profiler consumes trace entries and maintains per-rule statistics.
// Attach it with Attach, or feed it entries directly with Observe.
type Profiler struct {
	mu    sync.RWMutex
	rules map[string]*RuleProfile
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{rules: make(map[string]*RuleProfile)}
}

// Attach subscribes the profiler to a collector. The returned func detaches.
func (p *Profiler) Attach(c *Collector) func() {
	return c.Subscribe(p.Observe)
}

// Observe folds one trace entry into the aggregates. Entries without a rule
// id are ignored.
func (p *Profiler) Observe(e *Entry) {
	if e.RuleID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rp := p.rules[e.RuleID]
	if rp == nil {
		rp = &RuleProfile{
			RuleID:     e.RuleID,
			Conditions: make(map[int]*ConditionProfile),
			Actions:    make(map[string]*ActionProfile),
		}
		p.rules[e.RuleID] = rp
	}
	if e.RuleName != "" {
		rp.RuleName = e.RuleName
	}

	switch e.Type {
	case TypeRuleTriggered:
		rp.Triggered++
	case TypeRuleExecuted:
		rp.Executed++
		rp.Execution.observe(e.DurationMs)
	case TypeRuleSkipped:
		rp.Skipped++
	case TypeConditionEvaluated:
		idx := detailInt(e.Details, "index")
		cp := rp.Conditions[idx]
		if cp == nil {
			cp = &ConditionProfile{Index: idx}
			rp.Conditions[idx] = cp
		}
		cp.Evals++
		if passed, _ := e.Details["passed"].(bool); passed {
			cp.Passed++
		} else {
			cp.Failed++
		}
		cp.Timing.observe(e.DurationMs)
	case TypeActionCompleted, TypeActionFailed:
		idx := detailInt(e.Details, "index")
		typ, _ := e.Details["actionType"].(string)
		key := actionKey(idx, typ)
		ap := rp.Actions[key]
		if ap == nil {
			ap = &ActionProfile{Index: idx, Type: typ}
			rp.Actions[key] = ap
		}
		if e.Type == TypeActionCompleted {
			ap.Completed++
		} else {
			ap.Failed++
			rp.Failed++
		}
		ap.Timing.observe(e.DurationMs)
	}
}

// Profile returns the aggregate for one rule.
func (p *Profiler) Profile(ruleID string) (*RuleProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rp, ok := p.rules[ruleID]
	return rp, ok
}

// Slowest returns up to n rules by average execution time, descending.
func (p *Profiler) Slowest(n int) []*RuleProfile {
	return p.top(n, func(a, b *RuleProfile) bool {
		return a.Execution.Avg() > b.Execution.Avg()
	})
}

// Hottest returns up to n rules by trigger count, descending.
func (p *Profiler) Hottest(n int) []*RuleProfile {
	return p.top(n, func(a, b *RuleProfile) bool {
		return a.Triggered > b.Triggered
	})
}

// LowestPassRate returns up to n triggered rules by pass rate, ascending.
func (p *Profiler) LowestPassRate(n int) []*RuleProfile {
	return p.top(n, func(a, b *RuleProfile) bool {
		return a.PassRate() < b.PassRate()
	})
}

func (p *Profiler) top(n int, less func(a, b *RuleProfile) bool) []*RuleProfile {
	p.mu.RLock()
	out := make([]*RuleProfile, 0, len(p.rules))
	for _, rp := range p.rules {
		out = append(out, rp)
	}
	p.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b *RuleProfile) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		default:
			// Stable tiebreak for deterministic reports.
			if a.RuleID < b.RuleID {
				return -1
			}
			return 1
		}
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Summarize returns the engine-wide rollup.
func (p *Profiler) Summarize() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var s Summary
	s.Rules = len(p.rules)
	for _, rp := range p.rules {
		s.TotalTriggered += rp.Triggered
		s.TotalExecuted += rp.Executed
		s.TotalSkipped += rp.Skipped
		s.TotalFailed += rp.Failed
		s.TotalTimeMs += rp.Execution.Total
	}
	return s
}

// Reset drops all aggregates.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = make(map[string]*RuleProfile)
}

func actionKey(idx int, typ string) string {
	return fmt.Sprintf("%d:%s", idx, typ)
}

func detailInt(d map[string]any, key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
