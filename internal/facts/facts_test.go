package facts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGet(t *testing.T) {
	s := NewStore()

	c := s.Set("customer:42:tier", "gold", "test")
	assert.Equal(t, 1, c.Version)
	assert.Nil(t, c.Previous)

	v, ok := s.Get("customer:42:tier")
	require.True(t, ok)
	assert.Equal(t, "gold", v)

	f, ok := s.GetFact("customer:42:tier")
	require.True(t, ok)
	assert.Equal(t, "test", f.Source)
	assert.NotZero(t, f.Timestamp)
}

func TestStore_VersionMonotonic(t *testing.T) {
	s := NewStore()

	s.Set("k", 1, "a")
	c := s.Set("k", 2, "b")
	assert.Equal(t, 2, c.Version)
	assert.Equal(t, 1, c.Previous)

	c = s.Set("k", 3, "c")
	assert.Equal(t, 3, c.Version)
}

func TestStore_Delete(t *testing.T) {
	s := NewStore()
	s.Set("k", 1, "a")

	assert.True(t, s.Delete("k", "a"))
	assert.False(t, s.Has("k"))
	assert.False(t, s.Delete("k", "a"), "second delete returns false")
}

func TestStore_SubscribeExactlyOneNotification(t *testing.T) {
	s := NewStore()

	var got []Change
	unsub := s.Subscribe(func(c Change) { got = append(got, c) })

	s.Set("k", "v", "src")
	require.Len(t, got, 1)
	assert.Equal(t, "k", got[0].Key)
	assert.Equal(t, "v", got[0].Value)
	assert.False(t, got[0].Deleted)

	// A subscriber observing set(k,v) must see get(k) return at least v.
	s.Subscribe(func(c Change) {
		v, ok := s.Get(c.Key)
		assert.True(t, ok)
		assert.Equal(t, c.Value, v)
	})
	s.Set("k2", 7, "src")

	unsub()
	s.Set("k", "v2", "src")
	assert.Len(t, got, 1, "unsubscribed callback must not fire")
}

func TestStore_SubscriberPanicIsolated(t *testing.T) {
	s := NewStore()

	s.Subscribe(func(Change) { panic("boom") })
	var notified bool
	s.Subscribe(func(Change) { notified = true })

	// Mutation must succeed and the second subscriber must still fire.
	s.Set("k", 1, "a")
	assert.True(t, notified)
	assert.True(t, s.Has("k"))
}

func TestStore_DeleteNotifies(t *testing.T) {
	s := NewStore()
	s.Set("k", 1, "a")

	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	s.Delete("k", "b")
	require.Len(t, got, 1)
	assert.True(t, got[0].Deleted)
	assert.Equal(t, 1, got[0].Previous)
}

func TestStore_GetByPattern(t *testing.T) {
	s := NewStore()
	s.Set("customer:1:tier", "gold", "t")
	s.Set("customer:2:tier", "silver", "t")
	s.Set("customer:1:name", "Ada", "t")
	s.Set("order:9", "x", "t")

	matched := s.GetByPattern("customer:*:tier")
	require.Len(t, matched, 2)
	assert.Equal(t, "customer:1:tier", matched[0].Key)
	assert.Equal(t, "customer:2:tier", matched[1].Key)

	all := s.GetByPattern("**")
	assert.Len(t, all, 4)
}

func TestStore_Keys(t *testing.T) {
	s := NewStore()
	s.Set("b", 1, "t")
	s.Set("a", 2, "t")
	assert.Equal(t, []string{"a", "b"}, s.Keys())
	assert.Equal(t, 2, s.Len())
}
