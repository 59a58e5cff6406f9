package history

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/ident"
	"github.com/noex/noex-rules/internal/trace"
)

// fixture builds a deterministic two-event correlation: an api emission
// that executes one rule, which emits a follow-on event.
func fixture(t *testing.T) *Service {
	t.Helper()
	es := events.NewStore(100)
	tc := trace.NewCollector(100, ident.NewFixedGenerator("tr"))
	tc.SetEnabled(true)

	es.Append(&events.Event{
		ID: "e1", Topic: "order.placed", Source: "api",
		CorrelationID: "c1", Timestamp: 1000,
		Data: map[string]any{"orderId": "o1"},
	})
	tc.Record(trace.Entry{
		Type: trace.TypeRuleTriggered, RuleID: "flag-order", RuleName: "flag-order",
		CorrelationID: "c1", CausationID: "e1", Timestamp: 1001,
	})
	tc.Record(trace.Entry{
		Type: trace.TypeRuleExecuted, RuleID: "flag-order", RuleName: "flag-order",
		CorrelationID: "c1", CausationID: "e1", Timestamp: 1001, DurationMs: 2,
	})
	es.Append(&events.Event{
		ID: "e2", Topic: "order.flagged", Source: "rule:flag-order",
		CorrelationID: "c1", CausationID: "e1", Timestamp: 1002,
	})

	// Noise on another correlation.
	es.Append(&events.Event{
		ID: "x1", Topic: "other.topic", Source: "api",
		CorrelationID: "c2", Timestamp: 1500,
	})
	return New(es, tc)
}

func TestQueryEvents_Filters(t *testing.T) {
	s := fixture(t)

	assert.Len(t, s.QueryEvents(Filter{}), 3)
	assert.Len(t, s.QueryEvents(Filter{CorrelationID: "c1"}), 2)
	assert.Len(t, s.QueryEvents(Filter{TopicPattern: "order.**"}), 2)
	assert.Len(t, s.QueryEvents(Filter{From: 1001, To: 1500}), 2)

	limited := s.QueryEvents(Filter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "x1", limited[0].ID, "limit keeps the most recent")
}

func TestEventDetail(t *testing.T) {
	s := fixture(t)

	d, ok := s.EventDetail("e1")
	require.True(t, ok)
	assert.Equal(t, "order.placed", d.Event.Topic)
	assert.Len(t, d.Traces, 2)
	require.Len(t, d.TriggeredRules, 1)
	assert.Equal(t, "flag-order", d.TriggeredRules[0].RuleID)
	assert.Equal(t, "executed", d.TriggeredRules[0].Outcome)
	require.Len(t, d.CausedEvents, 1)
	assert.Equal(t, "e2", d.CausedEvents[0].ID)

	_, ok = s.EventDetail("missing")
	assert.False(t, ok)
}

func TestTimeline_DepthAndOrder(t *testing.T) {
	s := fixture(t)
	items := s.Timeline("c1")
	require.Len(t, items, 4)

	assert.Equal(t, "event", items[0].Kind)
	assert.Equal(t, "e1", items[0].Event.ID)
	assert.Equal(t, 0, items[0].Depth)

	// Two traces at t=1001, stable order, depth of their causing event.
	assert.Equal(t, "trace", items[1].Kind)
	assert.Equal(t, 0, items[1].Depth)
	assert.Equal(t, "trace", items[2].Kind)

	assert.Equal(t, "event", items[3].Kind)
	assert.Equal(t, "e2", items[3].Event.ID)
	assert.Equal(t, 1, items[3].Depth, "caused event is one deeper than its cause")
}

func TestTimeline_UnreachableTraceDepthZero(t *testing.T) {
	es := events.NewStore(10)
	tc := trace.NewCollector(10, ident.NewFixedGenerator("tr"))
	tc.SetEnabled(true)
	tc.Record(trace.Entry{
		Type: trace.TypeFactChanged, CorrelationID: "c9",
		CausationID: "gone", Timestamp: 5,
	})
	s := New(es, tc)

	items := s.Timeline("c9")
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Depth)
}

func TestExportJSON(t *testing.T) {
	s := fixture(t)
	raw, err := s.ExportJSON("c1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind": "event"`)
	assert.Contains(t, string(raw), `"order.flagged"`)
}

func TestExportMermaid_Golden(t *testing.T) {
	s := fixture(t)
	out := s.ExportMermaid("c1")

	g := goldie.New(t)
	g.Assert(t, "timeline_mermaid", []byte(out))
}
