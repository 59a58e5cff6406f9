package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(id, topic, corr string, ts int64) *Event {
	return &Event{ID: id, Topic: topic, CorrelationID: corr, Timestamp: ts}
}

func TestStore_AppendGet(t *testing.T) {
	s := NewStore(100)
	s.Append(ev("e1", "order.placed", "c1", 10))

	got, ok := s.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "order.placed", got.Topic)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_TopicQueries(t *testing.T) {
	s := NewStore(100)
	s.Append(ev("e1", "order.placed", "", 1))
	s.Append(ev("e2", "order.cancelled", "", 2))
	s.Append(ev("e3", "payment.received", "", 3))

	assert.Len(t, s.GetByTopic("order.placed"), 1)
	assert.Len(t, s.GetByTopicPattern("order.*"), 2)
	assert.Len(t, s.GetByTopicPattern("**"), 3)
}

func TestStore_TimeRange(t *testing.T) {
	s := NewStore(100)
	for i := int64(1); i <= 5; i++ {
		s.Append(ev(fmt.Sprintf("e%d", i), "t.x", "", i*10))
	}

	in := s.GetInTimeRange(20, 40)
	require.Len(t, in, 3)
	assert.Equal(t, "e2", in[0].ID)
	assert.Equal(t, "e4", in[2].ID)
}

func TestStore_Correlation(t *testing.T) {
	s := NewStore(100)
	s.Append(ev("e1", "a", "corr", 1))
	s.Append(ev("e2", "b", "corr", 2))
	s.Append(ev("e3", "c", "other", 3))

	got := s.GetByCorrelation("corr")
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)
}

func TestStore_CausedBy(t *testing.T) {
	s := NewStore(100)
	s.Append(&Event{ID: "root", Topic: "a", Timestamp: 1})
	s.Append(&Event{ID: "child1", Topic: "b", CausationID: "root", Timestamp: 2})
	s.Append(&Event{ID: "child2", Topic: "c", CausationID: "root", Timestamp: 3})
	s.Append(&Event{ID: "grand", Topic: "d", CausationID: "child1", Timestamp: 4})

	kids := s.GetCausedBy("root")
	require.Len(t, kids, 2)
	assert.Equal(t, "child1", kids[0].ID)
}

func TestStore_EvictionBatchPreservesIndexes(t *testing.T) {
	s := NewStore(100)
	for i := 0; i < 100; i++ {
		s.Append(ev(fmt.Sprintf("e%d", i), "t.x", "corr", int64(i)))
	}
	require.Equal(t, 100, s.Len())

	// The 101st append evicts ~10% of the oldest entries first.
	s.Append(ev("e100", "t.x", "corr", 100))
	assert.Equal(t, 91, s.Len())

	_, ok := s.Get("e0")
	assert.False(t, ok, "oldest entries must be evicted")
	_, ok = s.Get("e9")
	assert.False(t, ok)
	_, ok = s.Get("e10")
	assert.True(t, ok)

	assert.Len(t, s.GetByCorrelation("corr"), 91, "correlation index cleaned in lockstep")
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(10)
	s.Append(ev("e1", "a", "c", 1))
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.GetByCorrelation("c"))
}
