package temporal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex/noex-rules/internal/events"
)

func evAt(topic string, ts int64, data map[string]any) *events.Event {
	return &events.Event{
		ID:        fmt.Sprintf("%s@%d", topic, ts),
		Topic:     topic,
		Data:      data,
		Timestamp: ts,
	}
}

func TestEventMatch_TopicAndFilter(t *testing.T) {
	m := EventMatch{Topic: "login.*", Filter: map[string]any{"userId": "u1", "attempt": 3}}

	assert.True(t, m.matches(evAt("login.failed", 1, map[string]any{"userId": "u1", "attempt": 3})))
	assert.True(t, m.matches(evAt("login.failed", 1, map[string]any{"userId": "u1", "attempt": float64(3)})),
		"numeric filter values compare numerically")
	assert.False(t, m.matches(evAt("login.failed", 1, map[string]any{"userId": "u2", "attempt": 3})))
	assert.False(t, m.matches(evAt("login.failed", 1, map[string]any{"userId": "u1"})))
	assert.False(t, m.matches(evAt("logout", 1, map[string]any{"userId": "u1", "attempt": 3})))
}

func TestPattern_Validate(t *testing.T) {
	bad := []Pattern{
		{Type: PatternSequence},
		{Type: PatternSequence, Sequence: &SequencePattern{Within: "5m"}},
		{Type: PatternSequence, Sequence: &SequencePattern{Events: []EventMatch{{Topic: "a"}}, Within: "-1s"}},
		{Type: PatternAbsence, Absence: &AbsencePattern{After: EventMatch{Topic: "a"}, Within: "5m"}},
		{Type: PatternCount, Count: &CountPattern{Event: EventMatch{Topic: "a"}, Comparison: "above", Window: "5m"}},
		{Type: PatternAggregate, Aggregate: &AggregatePattern{Event: EventMatch{Topic: "a"}, Field: "v", Function: "median", Comparison: "gte", Window: "5m"}},
		{Type: "unknown"},
	}
	for i, p := range bad {
		assert.Error(t, p.Validate(), "case %d", i)
	}

	good := Pattern{Type: PatternCount, Count: &CountPattern{
		Event: EventMatch{Topic: "login.failed"}, Threshold: 3, Comparison: "gte", Window: "5m",
	}}
	assert.NoError(t, good.Validate())
}

func TestSequenceMatcher_CompletesWithinWindow(t *testing.T) {
	m := NewSequenceMatcher(nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternSequence, Sequence: &SequencePattern{
		Events: []EventMatch{
			{Topic: "order.created", As: "created"},
			{Topic: "payment.received", As: "paid"},
		},
		Within:  "10m",
		GroupBy: "orderId",
	}}))

	data := map[string]any{"orderId": "o1"}
	assert.Empty(t, m.ProcessEvent(evAt("order.created", 0, data)))
	assert.Equal(t, 1, m.InstanceCount())

	got := m.ProcessEvent(evAt("payment.received", 60_000, data))
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].PatternID)
	assert.Equal(t, "o1", got[0].GroupKey)
	require.Len(t, got[0].Events, 2)
	assert.Equal(t, "order.created", got[0].Aliases["created"].Topic)
	assert.Equal(t, "payment.received", got[0].Aliases["paid"].Topic)
	assert.Equal(t, 0, m.InstanceCount(), "completed instance is removed")
}

func TestSequenceMatcher_ExpiresOutsideWindow(t *testing.T) {
	m := NewSequenceMatcher(nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternSequence, Sequence: &SequencePattern{
		Events: []EventMatch{{Topic: "a"}, {Topic: "b"}},
		Within: "1m",
	}}))

	m.ProcessEvent(evAt("a", 0, nil))
	got := m.ProcessEvent(evAt("b", 60_000, nil))
	assert.Empty(t, got, "second event at exactly firstTS+within is too late")
}

func TestSequenceMatcher_GroupsAreIndependent(t *testing.T) {
	m := NewSequenceMatcher(nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternSequence, Sequence: &SequencePattern{
		Events:  []EventMatch{{Topic: "a"}, {Topic: "b"}},
		Within:  "5m",
		GroupBy: "k",
	}}))

	m.ProcessEvent(evAt("a", 0, map[string]any{"k": "g1"}))
	m.ProcessEvent(evAt("a", 0, map[string]any{"k": "g2"}))
	assert.Equal(t, 2, m.InstanceCount())

	got := m.ProcessEvent(evAt("b", 1000, map[string]any{"k": "g2"}))
	require.Len(t, got, 1)
	assert.Equal(t, "g2", got[0].GroupKey)
	assert.Equal(t, 1, m.InstanceCount())
}

func TestSequenceMatcher_OneInstancePerGroup(t *testing.T) {
	m := NewSequenceMatcher(nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternSequence, Sequence: &SequencePattern{
		Events: []EventMatch{{Topic: "a"}, {Topic: "b"}},
		Within: "5m",
	}}))

	m.ProcessEvent(evAt("a", 0, nil))
	m.ProcessEvent(evAt("a", 1000, nil)) // absorbed: no second instance
	assert.Equal(t, 1, m.InstanceCount())

	got := m.ProcessEvent(evAt("b", 2000, nil))
	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].Events[0].Timestamp, "instance anchored at first match")
}

func TestAbsenceMatcher_MatchAtWindowEnd(t *testing.T) {
	m := NewAbsenceMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternAbsence, Absence: &AbsencePattern{
		After:    EventMatch{Topic: "order.created"},
		Expected: EventMatch{Topic: "payment.received"},
		Within:   "10m",
		GroupBy:  "orderId",
	}}))

	m.ProcessEvent(evAt("order.created", 0, map[string]any{"orderId": "o1"}))
	assert.Equal(t, 1, m.InstanceCount())

	got := m.HandleWindowEnd("p1|o1")
	require.Len(t, got, 1)
	assert.Equal(t, PatternAbsence, got[0].Type)
	assert.Equal(t, "o1", got[0].GroupKey)
	assert.Equal(t, int64(600_000), got[0].Timestamp)
	assert.Equal(t, 0, m.InstanceCount())

	// Window end for an already-closed instance is a no-op.
	assert.Empty(t, m.HandleWindowEnd("p1|o1"))
}

func TestAbsenceMatcher_ExpectedCancels(t *testing.T) {
	m := NewAbsenceMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternAbsence, Absence: &AbsencePattern{
		After:    EventMatch{Topic: "order.created"},
		Expected: EventMatch{Topic: "payment.received"},
		Within:   "10m",
		GroupBy:  "orderId",
	}}))

	m.ProcessEvent(evAt("order.created", 0, map[string]any{"orderId": "o1"}))
	m.ProcessEvent(evAt("payment.received", 300_000, map[string]any{"orderId": "o1"}))
	assert.Equal(t, 0, m.InstanceCount())
	assert.Empty(t, m.HandleWindowEnd("p1|o1"))
}

func TestAbsenceMatcher_ExpectedAtExactWindowEndCancels(t *testing.T) {
	m := NewAbsenceMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternAbsence, Absence: &AbsencePattern{
		After:    EventMatch{Topic: "a"},
		Expected: EventMatch{Topic: "b"},
		Within:   "10m",
	}}))

	m.ProcessEvent(evAt("a", 0, nil))
	m.ProcessEvent(evAt("b", 600_000, nil)) // exactly windowEnd
	assert.Equal(t, 0, m.InstanceCount(), "expected at exactly windowEnd cancels")
}

func TestAbsenceMatcher_ExpectedForOtherGroupDoesNotCancel(t *testing.T) {
	m := NewAbsenceMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternAbsence, Absence: &AbsencePattern{
		After:    EventMatch{Topic: "a"},
		Expected: EventMatch{Topic: "b"},
		Within:   "10m",
		GroupBy:  "k",
	}}))

	m.ProcessEvent(evAt("a", 0, map[string]any{"k": "g1"}))
	m.ProcessEvent(evAt("b", 1000, map[string]any{"k": "g2"}))
	assert.Equal(t, 1, m.InstanceCount())
}

func TestCountMatcher_SlidingScenario(t *testing.T) {
	m := NewCountMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternCount, Count: &CountPattern{
		Event:      EventMatch{Topic: "login.failed"},
		Threshold:  3,
		Comparison: "gte",
		Window:     "5m",
		GroupBy:    "userId",
		Sliding:    true,
	}}))

	data := map[string]any{"userId": "u1"}

	// Four events within one minute: matches from the third on.
	assert.Empty(t, m.ProcessEvent(evAt("login.failed", 0, data)))
	assert.Empty(t, m.ProcessEvent(evAt("login.failed", 20_000, data)))

	got := m.ProcessEvent(evAt("login.failed", 40_000, data))
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Count)

	got = m.ProcessEvent(evAt("login.failed", 60_000, data))
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Count, "instance stays active after matching")

	// After six minutes the window has slid past all earlier events.
	got = m.ProcessEvent(evAt("login.failed", 420_000, data))
	assert.Empty(t, got, "pruning leaves count=1")
}

func TestCountMatcher_SlidingBoundaryExcluded(t *testing.T) {
	m := NewCountMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternCount, Count: &CountPattern{
		Event:      EventMatch{Topic: "x"},
		Threshold:  2,
		Comparison: "gte",
		Window:     "1m",
		Sliding:    true,
	}}))

	m.ProcessEvent(evAt("x", 0, nil))
	// Exactly at the window boundary: the first event is excluded.
	got := m.ProcessEvent(evAt("x", 60_000, nil))
	assert.Empty(t, got)
}

func TestCountMatcher_Tumbling(t *testing.T) {
	m := NewCountMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternCount, Count: &CountPattern{
		Event:      EventMatch{Topic: "x"},
		Threshold:  2,
		Comparison: "gte",
		Window:     "1m",
	}}))

	base := int64(600_000) // aligned to the minute
	m.ProcessEvent(evAt("x", base+1000, nil))
	m.ProcessEvent(evAt("x", base+2000, nil))
	m.ProcessEvent(evAt("x", base+3000, nil))

	got := m.HandleWindowEnd("p1|")
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Count)
	assert.Equal(t, base+60_000, got[0].Timestamp)

	// Window evaluated once; a second end is empty.
	assert.Empty(t, m.HandleWindowEnd("p1|"))
}

func TestCountMatcher_TumblingLateBoundary(t *testing.T) {
	m := NewCountMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternCount, Count: &CountPattern{
		Event:      EventMatch{Topic: "x"},
		Threshold:  2,
		Comparison: "gte",
		Window:     "1m",
	}}))

	m.ProcessEvent(evAt("x", 1000, nil))
	m.ProcessEvent(evAt("x", 2000, nil))

	// An event in the next window closes the previous one.
	got := m.ProcessEvent(evAt("x", 61_000, nil))
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
}

func TestAggregateMatcher_SlidingSum(t *testing.T) {
	m := NewAggregateMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternAggregate, Aggregate: &AggregatePattern{
		Event:      EventMatch{Topic: "order.placed"},
		Field:      "amount",
		Function:   "sum",
		Threshold:  100,
		Comparison: "gte",
		Window:     "5m",
		GroupBy:    "userId",
		Sliding:    true,
	}}))

	data := func(amount float64) map[string]any {
		return map[string]any{"userId": "u1", "amount": amount}
	}

	assert.Empty(t, m.ProcessEvent(evAt("order.placed", 0, data(40))))
	got := m.ProcessEvent(evAt("order.placed", 10_000, data(70)))
	require.Len(t, got, 1)
	assert.Equal(t, float64(110), got[0].Value)
	assert.Equal(t, 2, got[0].Count)

	// Non-numeric and missing fields are ignored.
	assert.Empty(t, m.ProcessEvent(evAt("order.placed", 11_000, map[string]any{"userId": "u1", "amount": "n/a"})))
	assert.Empty(t, m.ProcessEvent(evAt("order.placed", 12_000, map[string]any{"userId": "u1"})))
}

func TestAggregateMatcher_Functions(t *testing.T) {
	samples := []aggSample{{1, 2}, {2, 8}, {3, 5}}
	assert.Equal(t, float64(15), aggregate("sum", samples))
	assert.Equal(t, float64(5), aggregate("avg", samples))
	assert.Equal(t, float64(2), aggregate("min", samples))
	assert.Equal(t, float64(8), aggregate("max", samples))
	assert.Equal(t, float64(3), aggregate("count", samples))
	assert.Equal(t, float64(0), aggregate("sum", nil))
}

func TestAggregateMatcher_TumblingAvg(t *testing.T) {
	m := NewAggregateMatcher(nil, nil)
	require.NoError(t, m.AddPattern("p1", Pattern{Type: PatternAggregate, Aggregate: &AggregatePattern{
		Event:      EventMatch{Topic: "latency"},
		Field:      "ms",
		Function:   "avg",
		Threshold:  200,
		Comparison: "gte",
		Window:     "1m",
	}}))

	base := int64(120_000)
	m.ProcessEvent(evAt("latency", base+1000, map[string]any{"ms": 150}))
	m.ProcessEvent(evAt("latency", base+2000, map[string]any{"ms": 350}))

	got := m.HandleWindowEnd("p1|")
	require.Len(t, got, 1)
	assert.Equal(t, float64(250), got[0].Value)
}

func TestMatchers_RemoveAndReset(t *testing.T) {
	seq := NewSequenceMatcher(nil)
	require.NoError(t, seq.AddPattern("p1", Pattern{Type: PatternSequence, Sequence: &SequencePattern{
		Events: []EventMatch{{Topic: "a"}, {Topic: "b"}}, Within: "5m",
	}}))
	seq.ProcessEvent(evAt("a", 0, nil))
	seq.RemovePattern("p1")
	assert.Equal(t, 0, seq.InstanceCount())
	assert.Empty(t, seq.ProcessEvent(evAt("b", 1000, nil)))

	cnt := NewCountMatcher(nil, nil)
	require.NoError(t, cnt.AddPattern("p2", Pattern{Type: PatternCount, Count: &CountPattern{
		Event: EventMatch{Topic: "x"}, Threshold: 1, Comparison: "gte", Window: "1m", Sliding: true,
	}}))
	cnt.Reset()
	assert.Empty(t, cnt.ProcessEvent(evAt("x", 0, nil)))

	// Type mismatches are rejected.
	assert.Error(t, seq.AddPattern("p", Pattern{Type: PatternCount}))
	assert.Error(t, cnt.AddPattern("p", Pattern{Type: PatternSequence}))
}
