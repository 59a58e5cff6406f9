package temporal

import (
	"sync"
	"time"
)

// Scheduler arms window-end deadlines for matcher instances. The production
// implementation uses wall-clock timers; tests drive HandleWindowEnd
// directly with the noop scheduler.
type Scheduler interface {
	Schedule(instanceID string, d time.Duration, fn func())
	Cancel(instanceID string)
}

// TimerScheduler schedules window deadlines with time.AfterFunc.
// Re-scheduling an instance id replaces the previous deadline.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates an empty wall-clock scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after d, replacing any deadline armed for the
// same instance id.
func (s *TimerScheduler) Schedule(instanceID string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[instanceID]; ok {
		prev.Stop()
	}
	s.timers[instanceID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, instanceID)
		s.mu.Unlock()
		fn()
	})
}

// Cancel disarms the deadline for an instance id, if any.
func (s *TimerScheduler) Cancel(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[instanceID]; ok {
		t.Stop()
		delete(s.timers, instanceID)
	}
}

// Stop disarms every pending deadline.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// NoopScheduler never fires; tests call HandleWindowEnd themselves.
type NoopScheduler struct{}

func (NoopScheduler) Schedule(string, time.Duration, func()) {}
func (NoopScheduler) Cancel(string)                          {}
