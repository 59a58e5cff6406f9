// Package temporal implements the CEP pattern matchers: sequence, absence,
// count, and aggregate, with sliding and tumbling windows and per-group
// instances.
//
// Matchers are driven by the engine's single worker: ProcessEvent is called
// for every emitted event, and HandleWindowEnd is called when a scheduled
// window deadline fires. All window math uses event timestamps; the wall
// clock only decides when HandleWindowEnd runs.
package temporal

import (
	"fmt"
	"time"

	"github.com/noex/noex-rules/internal/durations"
	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/pattern"
	"github.com/noex/noex-rules/internal/value"
)

// PatternType discriminates the temporal pattern variants.
type PatternType string

const (
	PatternSequence  PatternType = "sequence"
	PatternAbsence   PatternType = "absence"
	PatternCount     PatternType = "count"
	PatternAggregate PatternType = "aggregate"
)

// Pattern is the tagged temporal pattern carried by a rule trigger.
// Exactly one of the variant fields is set, selected by Type.
type Pattern struct {
	Type      PatternType       `json:"type" yaml:"type"`
	Sequence  *SequencePattern  `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	Absence   *AbsencePattern   `json:"absence,omitempty" yaml:"absence,omitempty"`
	Count     *CountPattern     `json:"count,omitempty" yaml:"count,omitempty"`
	Aggregate *AggregatePattern `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
}

// EventMatch selects events by topic pattern and optional payload filter.
// Filter keys are dot paths into the event data. As names the captured
// event for later reference.
type EventMatch struct {
	Topic  string         `json:"topic" yaml:"topic"`
	Filter map[string]any `json:"filter,omitempty" yaml:"filter,omitempty"`
	As     string         `json:"as,omitempty" yaml:"as,omitempty"`
}

// SequencePattern matches an ordered series of events within a window.
type SequencePattern struct {
	Events  []EventMatch `json:"events" yaml:"events"`
	Within  any          `json:"within" yaml:"within"`
	GroupBy string       `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
}

// AbsencePattern matches when an expected event does NOT arrive within a
// window after a starting event.
type AbsencePattern struct {
	After    EventMatch `json:"after" yaml:"after"`
	Expected EventMatch `json:"expected" yaml:"expected"`
	Within   any        `json:"within" yaml:"within"`
	GroupBy  string     `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
}

// CountPattern matches on the number of qualifying events in a window.
// Sliding windows prune and re-evaluate on every event; tumbling windows
// align to fixed boundaries and evaluate once per window.
type CountPattern struct {
	Event      EventMatch `json:"event" yaml:"event"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Comparison string     `json:"comparison" yaml:"comparison"` // gte | lte | eq
	Window     any        `json:"window" yaml:"window"`
	GroupBy    string     `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
	Sliding    bool       `json:"sliding,omitempty" yaml:"sliding,omitempty"`
}

// AggregatePattern matches on an aggregate of a numeric field over a window.
type AggregatePattern struct {
	Event      EventMatch `json:"event" yaml:"event"`
	Field      string     `json:"field" yaml:"field"`
	Function   string     `json:"function" yaml:"function"` // sum | avg | min | max | count
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Comparison string     `json:"comparison" yaml:"comparison"`
	Window     any        `json:"window" yaml:"window"`
	GroupBy    string     `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
	Sliding    bool       `json:"sliding,omitempty" yaml:"sliding,omitempty"`
}

// Match is a temporal pattern firing, fed back into the dispatcher as a
// trigger.
type Match struct {
	PatternID string
	Type      PatternType
	GroupKey  string
	Events    []*events.Event
	Aliases   map[string]*events.Event
	Count     int
	Value     float64
	Timestamp int64
}

// Matcher is the shared surface of the four concrete matchers.
type Matcher interface {
	AddPattern(id string, p Pattern) error
	RemovePattern(id string)
	ProcessEvent(e *events.Event) []Match
	HandleWindowEnd(instanceID string) []Match
	Reset()
}

// Validate checks a pattern for structural and duration errors.
func (p Pattern) Validate() error {
	switch p.Type {
	case PatternSequence:
		if p.Sequence == nil {
			return fmt.Errorf("sequence pattern body is required")
		}
		if len(p.Sequence.Events) == 0 {
			return fmt.Errorf("sequence pattern requires at least one event")
		}
		if _, err := durations.Parse(p.Sequence.Within); err != nil {
			return fmt.Errorf("sequence within: %w", err)
		}
	case PatternAbsence:
		if p.Absence == nil {
			return fmt.Errorf("absence pattern body is required")
		}
		if p.Absence.After.Topic == "" || p.Absence.Expected.Topic == "" {
			return fmt.Errorf("absence pattern requires after and expected topics")
		}
		if _, err := durations.Parse(p.Absence.Within); err != nil {
			return fmt.Errorf("absence within: %w", err)
		}
	case PatternCount:
		if p.Count == nil {
			return fmt.Errorf("count pattern body is required")
		}
		if p.Count.Event.Topic == "" {
			return fmt.Errorf("count pattern requires an event topic")
		}
		if !validComparison(p.Count.Comparison) {
			return fmt.Errorf("count comparison %q is not one of gte, lte, eq", p.Count.Comparison)
		}
		if _, err := durations.Parse(p.Count.Window); err != nil {
			return fmt.Errorf("count window: %w", err)
		}
	case PatternAggregate:
		if p.Aggregate == nil {
			return fmt.Errorf("aggregate pattern body is required")
		}
		if p.Aggregate.Event.Topic == "" || p.Aggregate.Field == "" {
			return fmt.Errorf("aggregate pattern requires an event topic and field")
		}
		if !validFunction(p.Aggregate.Function) {
			return fmt.Errorf("aggregate function %q is not one of sum, avg, min, max, count", p.Aggregate.Function)
		}
		if !validComparison(p.Aggregate.Comparison) {
			return fmt.Errorf("aggregate comparison %q is not one of gte, lte, eq", p.Aggregate.Comparison)
		}
		if _, err := durations.Parse(p.Aggregate.Window); err != nil {
			return fmt.Errorf("aggregate window: %w", err)
		}
	default:
		return fmt.Errorf("unknown temporal pattern type %q", p.Type)
	}
	return nil
}

func validComparison(c string) bool {
	switch c {
	case "gte", "lte", "eq":
		return true
	}
	return false
}

func validFunction(f string) bool {
	switch f {
	case "sum", "avg", "min", "max", "count":
		return true
	}
	return false
}

func compare(comparison string, v, threshold float64) bool {
	switch comparison {
	case "gte":
		return v >= threshold
	case "lte":
		return v <= threshold
	case "eq":
		return v == threshold
	default:
		return false
	}
}

// matches reports whether e satisfies the topic pattern and every filter
// entry. Filter values compare numerically when both sides are numbers.
func (m EventMatch) matches(e *events.Event) bool {
	if !pattern.MatchTopic(e.Topic, m.Topic) {
		return false
	}
	for path, want := range m.Filter {
		got, ok := value.PathGet(e.Data, path)
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if na, ok := value.ToNumber(a); ok {
		if nb, ok := value.ToNumber(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

// groupKey extracts the grouping key for an event. Patterns without groupBy
// share a single instance under the empty key.
func groupKey(groupBy string, e *events.Event) string {
	if groupBy == "" {
		return ""
	}
	v, ok := value.PathGet(e.Data, groupBy)
	if !ok {
		return ""
	}
	return value.Stringify(v)
}

func instanceID(patternID, group string) string {
	return patternID + "|" + group
}

func mustWindow(v any) time.Duration {
	d, err := durations.Parse(v)
	if err != nil {
		// AddPattern validates durations; reaching here is a programming error.
		panic(err)
	}
	return d
}
