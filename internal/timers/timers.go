// Package timers implements named one-shot and repeating timers.
//
// A timer's name is its external identity: setting a timer with an existing
// name atomically cancels the previous instance. On expiry the configured
// onExpire event is emitted through the engine callback with the timer's
// correlation id. Repeating timers reschedule until cancelled or their
// maxCount is reached.
package timers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/durations"
	"github.com/noex/noex-rules/internal/ident"
)

// OnExpire is the event emitted when a timer fires.
type OnExpire struct {
	Topic string         `json:"topic" yaml:"topic"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Repeat configures a repeating timer.
type Repeat struct {
	Interval any `json:"interval" yaml:"interval"`
	MaxCount int `json:"maxCount,omitempty" yaml:"maxCount,omitempty"`
}

// Config describes a timer to set. Duration accepts the engine duration
// grammar (duration string or millisecond count).
type Config struct {
	Name     string   `json:"name" yaml:"name"`
	Duration any      `json:"duration" yaml:"duration"`
	Repeat   *Repeat  `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	OnExpire OnExpire `json:"onExpire" yaml:"onExpire"`
}

// Timer is a live timer instance.
type Timer struct {
	ID            string
	Name          string
	ExpiresAt     int64 // ms since epoch
	Repeat        *Repeat
	OnExpire      OnExpire
	CorrelationID string
	FireCount     int
}

// Expiry is delivered to the manager's callback when a timer fires.
type Expiry struct {
	Timer    Timer
	Odometer int // 1-based fire count for this instance
}

// ExpireFunc receives timer expirations. The callback runs on the timer
// goroutine; implementations should enqueue rather than process inline.
type ExpireFunc func(Expiry)

type entry struct {
	timer    Timer
	interval time.Duration
	handle   *time.Timer
}

// Manager owns all named timers.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	onFire  ExpireFunc
	ids     ident.Generator
	stopped bool
}

// NewManager creates a timer manager delivering expirations to onFire.
func NewManager(ids ident.Generator, onFire ExpireFunc) *Manager {
	if ids == nil {
		ids = ident.UUIDv7Generator{}
	}
	return &Manager{
		entries: make(map[string]*entry),
		onFire:  onFire,
		ids:     ids,
	}
}

// Set creates or replaces a named timer. Replacing cancels the previous
// instance atomically. Returns the live timer record.
func (m *Manager) Set(cfg Config, correlationID string) (Timer, error) {
	if cfg.Name == "" {
		return Timer{}, fmt.Errorf("timer name is required")
	}
	if cfg.OnExpire.Topic == "" {
		return Timer{}, fmt.Errorf("timer %q: onExpire topic is required", cfg.Name)
	}
	d, err := durations.Parse(cfg.Duration)
	if err != nil {
		return Timer{}, fmt.Errorf("timer %q: %w", cfg.Name, err)
	}

	var interval time.Duration
	if cfg.Repeat != nil {
		interval, err = durations.Parse(cfg.Repeat.Interval)
		if err != nil {
			return Timer{}, fmt.Errorf("timer %q repeat: %w", cfg.Name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Timer{}, fmt.Errorf("timer manager is stopped")
	}

	// Replace-by-name cancels the previous instance.
	if prev, ok := m.entries[cfg.Name]; ok {
		prev.handle.Stop()
	}

	t := Timer{
		ID:            m.ids.NewID(),
		Name:          cfg.Name,
		ExpiresAt:     time.Now().Add(d).UnixMilli(),
		Repeat:        cfg.Repeat,
		OnExpire:      cfg.OnExpire,
		CorrelationID: correlationID,
	}
	e := &entry{timer: t, interval: interval}
	// Stale fires from a replaced instance are discarded by pointer identity.
	e.handle = time.AfterFunc(d, func() { m.fire(cfg.Name, e) })
	m.entries[cfg.Name] = e

	slog.Debug("timer set", "name", cfg.Name, "id", t.ID, "expires_at", t.ExpiresAt, "repeating", cfg.Repeat != nil)
	return t, nil
}

func (m *Manager) fire(name string, e *entry) {
	m.mu.Lock()
	live, ok := m.entries[name]
	if !ok || live != e || m.stopped {
		// Cancelled or replaced between scheduling and firing.
		m.mu.Unlock()
		return
	}

	e.timer.FireCount++
	expiry := Expiry{Timer: e.timer, Odometer: e.timer.FireCount}

	done := e.timer.Repeat == nil ||
		(e.timer.Repeat.MaxCount > 0 && e.timer.FireCount >= e.timer.Repeat.MaxCount)
	if done {
		delete(m.entries, name)
	} else {
		e.timer.ExpiresAt = time.Now().Add(e.interval).UnixMilli()
		e.handle = time.AfterFunc(e.interval, func() { m.fire(name, e) })
	}
	onFire := m.onFire
	m.mu.Unlock()

	if onFire != nil {
		onFire(expiry)
	}
}

// Cancel stops and removes a named timer. Effective immediately: a repeat
// scheduled but not yet fired will not fire.
func (m *Manager) Cancel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return false
	}
	e.handle.Stop()
	delete(m.entries, name)
	slog.Debug("timer cancelled", "name", name, "id", e.timer.ID)
	return true
}

// Get returns the live timer with the given name.
func (m *Manager) Get(name string) (Timer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Timer{}, false
	}
	return e.timer, true
}

// All returns all live timers.
func (m *Manager) All() []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timer, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.timer)
	}
	return out
}

// Size returns the number of live timers.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop cancels all timers and refuses further sets. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for name, e := range m.entries {
		e.handle.Stop()
		delete(m.entries, name)
	}
}
