package timers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex/noex-rules/internal/ident"
)

type recorder struct {
	mu    sync.Mutex
	fired []Expiry
}

func (r *recorder) record(e Expiry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newTestManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(ident.NewFixedGenerator("tmr"), rec.record)
	t.Cleanup(m.Stop)
	return m, rec
}

func TestManager_OneShotFires(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Set(Config{
		Name:     "t1",
		Duration: "20ms",
		OnExpire: OnExpire{Topic: "timer.expired", Data: map[string]any{"n": "t1"}},
	}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Size())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Size(), "one-shot timer self-removes")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "timer.expired", rec.fired[0].Timer.OnExpire.Topic)
	assert.Equal(t, "corr-1", rec.fired[0].Timer.CorrelationID)
	assert.Equal(t, 1, rec.fired[0].Odometer)
}

func TestManager_RepeatWithCancelMidway(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Set(Config{
		Name:     "t1",
		Duration: "40ms",
		Repeat:   &Repeat{Interval: "40ms"},
		OnExpire: OnExpire{Topic: "timer.expired"},
	}, "")
	require.NoError(t, err)

	// Cancel at ~2.5 intervals: exactly two fires.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Cancel("t1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestManager_RepeatMaxCount(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Set(Config{
		Name:     "t1",
		Duration: "10ms",
		Repeat:   &Repeat{Interval: "10ms", MaxCount: 3},
		OnExpire: OnExpire{Topic: "tick"},
	}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 3, rec.count(), "maxCount caps repeats")
	assert.Equal(t, 0, m.Size())
}

func TestManager_ReplaceByNameCancelsPrevious(t *testing.T) {
	m, rec := newTestManager(t)

	first, err := m.Set(Config{Name: "t1", Duration: "30ms", OnExpire: OnExpire{Topic: "a"}}, "")
	require.NoError(t, err)

	second, err := m.Set(Config{Name: "t1", Duration: "30ms", OnExpire: OnExpire{Topic: "b"}}, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, m.Size())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "b", rec.fired[0].Timer.OnExpire.Topic, "only the replacement fires")
}

func TestManager_Validation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Set(Config{Duration: "5s", OnExpire: OnExpire{Topic: "x"}}, "")
	assert.Error(t, err, "name required")

	_, err = m.Set(Config{Name: "t", Duration: "5s"}, "")
	assert.Error(t, err, "onExpire topic required")

	_, err = m.Set(Config{Name: "t", Duration: "-5s", OnExpire: OnExpire{Topic: "x"}}, "")
	assert.Error(t, err, "negative duration fails closed")
}

func TestManager_StopCancelsAll(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil, rec.record)

	_, err := m.Set(Config{Name: "t1", Duration: "20ms", OnExpire: OnExpire{Topic: "x"}}, "")
	require.NoError(t, err)

	m.Stop()
	m.Stop() // idempotent

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "no fire after Stop")

	_, err = m.Set(Config{Name: "t2", Duration: "10ms", OnExpire: OnExpire{Topic: "x"}}, "")
	assert.Error(t, err, "set after Stop fails")
}

func TestManager_GetAll(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Set(Config{Name: "t1", Duration: "1h", OnExpire: OnExpire{Topic: "x"}}, "")
	require.NoError(t, err)
	_, err = m.Set(Config{Name: "t2", Duration: "1h", OnExpire: OnExpire{Topic: "y"}}, "")
	require.NoError(t, err)

	got, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.Name)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Len(t, m.All(), 2)
	assert.False(t, m.Cancel("missing"))
}
