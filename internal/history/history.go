// Package history combines the event store and the trace collector into
// query, timeline, and export views over what the engine has done.
package history

import (
	"encoding/json"
	"slices"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/pattern"
	"github.com/noex/noex-rules/internal/trace"
)

// Service answers history queries. It holds no state of its own.
type Service struct {
	events *events.Store
	traces *trace.Collector
}

// New creates a history service over the given stores.
func New(es *events.Store, tc *trace.Collector) *Service {
	return &Service{events: es, traces: tc}
}

// Filter narrows an event query. Zero values mean "no constraint";
// Limit <= 0 returns everything.
type Filter struct {
	TopicPattern  string `json:"topicPattern,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	From          int64  `json:"from,omitempty"`
	To            int64  `json:"to,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// QueryEvents returns events matching the filter, oldest first.
func (s *Service) QueryEvents(f Filter) []*events.Event {
	var candidates []*events.Event
	if f.CorrelationID != "" {
		candidates = s.events.GetByCorrelation(f.CorrelationID)
	} else {
		candidates = s.events.GetAllEvents()
	}

	out := make([]*events.Event, 0, len(candidates))
	for _, e := range candidates {
		if f.TopicPattern != "" && !pattern.MatchTopic(e.Topic, f.TopicPattern) {
			continue
		}
		if f.From != 0 && e.Timestamp < f.From {
			continue
		}
		if f.To != 0 && e.Timestamp > f.To {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// RuleSummary names a rule that an event triggered, and how the dispatch
// ended.
type RuleSummary struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Outcome  string `json:"outcome"` // "executed", "skipped", or "triggered"
}

// EventDetail is one event with its surrounding causality.
type EventDetail struct {
	Event          *events.Event   `json:"event"`
	Traces         []*trace.Entry  `json:"traces,omitempty"`
	TriggeredRules []RuleSummary   `json:"triggeredRules,omitempty"`
	CausedEvents   []*events.Event `json:"causedEvents,omitempty"`
}

// EventDetail returns an event with its related trace entries, a summary of
// the rules it triggered, and the events it directly caused.
func (s *Service) EventDetail(id string) (*EventDetail, bool) {
	e, ok := s.events.Get(id)
	if !ok {
		return nil, false
	}
	d := &EventDetail{Event: e, CausedEvents: s.events.GetCausedBy(id)}

	outcomes := make(map[string]*RuleSummary)
	var order []string
	for _, t := range s.traces.ByCorrelation(e.CorrelationID) {
		related := t.CausationID == id
		if !related {
			if evID, ok := t.Details["eventId"].(string); ok && evID == id {
				related = true
			}
		}
		if !related {
			continue
		}
		d.Traces = append(d.Traces, t)
		if t.RuleID == "" {
			continue
		}
		sum := outcomes[t.RuleID]
		if sum == nil {
			sum = &RuleSummary{RuleID: t.RuleID, RuleName: t.RuleName, Outcome: "triggered"}
			outcomes[t.RuleID] = sum
			order = append(order, t.RuleID)
		}
		switch t.Type {
		case trace.TypeRuleExecuted:
			sum.Outcome = "executed"
		case trace.TypeRuleSkipped:
			sum.Outcome = "skipped"
		}
	}
	for _, id := range order {
		d.TriggeredRules = append(d.TriggeredRules, *outcomes[id])
	}
	return d, true
}

// TimelineItem is one entry of a correlation timeline: either an event or a
// trace, ordered by timestamp, with Depth derived from the causation chain.
type TimelineItem struct {
	Kind      string        `json:"kind"` // "event" or "trace"
	Timestamp int64         `json:"timestamp"`
	Depth     int           `json:"depth"`
	Event     *events.Event `json:"event,omitempty"`
	Trace     *trace.Entry  `json:"trace,omitempty"`
}

// Timeline merges the correlation's events and traces by timestamp. Depth
// follows the event causation chain: roots are 0, a caused event is its
// cause's depth plus one. Traces take the depth of their causing event;
// traces with no reachable cause get depth 0.
func (s *Service) Timeline(correlationID string) []TimelineItem {
	evs := s.events.GetByCorrelation(correlationID)

	depth := make(map[string]int, len(evs))
	byID := make(map[string]*events.Event, len(evs))
	for _, e := range evs {
		byID[e.ID] = e
	}
	var depthOf func(id string, hops int) int
	depthOf = func(id string, hops int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		e, ok := byID[id]
		if !ok || e.CausationID == "" || hops > len(evs) {
			depth[id] = 0
			return 0
		}
		d := depthOf(e.CausationID, hops+1) + 1
		depth[id] = d
		return d
	}

	items := make([]TimelineItem, 0, len(evs))
	for _, e := range evs {
		items = append(items, TimelineItem{
			Kind:      "event",
			Timestamp: e.Timestamp,
			Depth:     depthOf(e.ID, 0),
			Event:     e,
		})
	}
	for _, t := range s.traces.ByCorrelation(correlationID) {
		d := 0
		if t.CausationID != "" {
			if _, ok := byID[t.CausationID]; ok {
				d = depthOf(t.CausationID, 0)
			}
		}
		items = append(items, TimelineItem{
			Kind:      "trace",
			Timestamp: t.Timestamp,
			Depth:     d,
			Trace:     t,
		})
	}

	slices.SortStableFunc(items, func(a, b TimelineItem) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	return items
}

// ExportJSON renders a correlation timeline as indented JSON.
func (s *Service) ExportJSON(correlationID string) ([]byte, error) {
	return json.MarshalIndent(s.Timeline(correlationID), "", "  ")
}
