// Package engine wires the rule manager, fact store, event store, timers,
// and temporal matchers into a single running object.
//
// All rule evaluation happens on one worker goroutine fed by a FIFO
// processing queue. External callers (API handlers, timer callbacks,
// temporal window schedulers) only enqueue; they never evaluate rules
// inline. This gives emission-order visibility: facts mutated by rule A's
// actions are visible to rule B's conditions when B's trigger was enqueued
// after A's.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/facts"
	"github.com/noex/noex-rules/internal/ident"
	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/temporal"
	"github.com/noex/noex-rules/internal/timers"
	"github.com/noex/noex-rules/internal/trace"
)

// Engine is the coordinator. Construct with New, then Start. All exported
// methods are safe for concurrent use.
type Engine struct {
	name string

	rules    *rule.Manager
	facts    *facts.Store
	events   *events.Store
	timers   *timers.Manager
	trace    *trace.Collector
	lookups  *lookupResolver
	ids      ident.Generator
	log      *slog.Logger
	baseline BaselineProvider

	unsubFacts func()

	queue *triggerQueue

	sched    *temporal.TimerScheduler
	sequence *temporal.SequenceMatcher
	absence  *temporal.AbsenceMatcher
	count    *temporal.CountMatcher
	agg      *temporal.AggregateMatcher

	// pending counts enqueued-but-unfinished triggers, for queue draining.
	pending atomic.Int64
	stats   engineStats

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// BaselineProvider supplies values for baseline condition sources.
type BaselineProvider func(metric string) (any, bool)

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the engine's name, used as the default event source.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithEventStoreSize bounds the event store ring.
func WithEventStoreSize(n int) Option {
	return func(e *Engine) { e.events = events.NewStore(n) }
}

// WithTrace installs a trace collector. Without one, tracing is disabled.
func WithTrace(c *trace.Collector) Option {
	return func(e *Engine) { e.trace = c }
}

// WithIDGenerator overrides id generation, for deterministic tests.
func WithIDGenerator(g ident.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger overrides the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithBaselines installs a provider for baseline condition sources.
func WithBaselines(p BaselineProvider) Option {
	return func(e *Engine) { e.baseline = p }
}

// New creates a stopped engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		name:    "noex-rules",
		rules:   rule.NewManager(),
		facts:   facts.NewStore(),
		events:  events.NewStore(0),
		lookups: newLookupResolver(),
		ids:     ident.UUIDv7Generator{},
		log:     slog.Default(),
		queue:   newTriggerQueue(),
		sched:   temporal.NewTimerScheduler(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trace == nil {
		e.trace = trace.NewCollector(0, e.ids)
	}

	e.timers = timers.NewManager(e.ids, func(exp timers.Expiry) {
		e.enqueue(trigger{kind: kindTimerFire, expiry: &exp})
	})

	e.sequence = temporal.NewSequenceMatcher(e.sched)
	e.absence = temporal.NewAbsenceMatcher(e.sched, e.windowEnder(temporal.PatternAbsence))
	e.count = temporal.NewCountMatcher(e.sched, e.windowEnder(temporal.PatternCount))
	e.agg = temporal.NewAggregateMatcher(e.sched, e.windowEnder(temporal.PatternAggregate))

	e.unsubFacts = e.facts.Subscribe(func(c facts.Change) {
		e.enqueue(trigger{kind: kindFactChange, change: &c})
	})
	return e
}

func (e *Engine) windowEnder(pt temporal.PatternType) func(string) {
	return func(instanceID string) {
		e.enqueue(trigger{kind: kindWindowEnd, patternType: pt, instanceID: instanceID})
	}
}

// Start launches the worker. Returns an error if already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	if e.unsubFacts == nil {
		e.unsubFacts = e.facts.Subscribe(func(c facts.Change) {
			e.enqueue(trigger{kind: kindFactChange, change: &c})
		})
	}
	go e.run(runCtx)
	e.log.Info("engine started", "name", e.name)
	return nil
}

// Stop halts the worker, cancels all timers, and releases the temporal
// schedulers. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, done := e.cancel, e.done
	unsub := e.unsubFacts
	e.unsubFacts = nil
	e.mu.Unlock()

	// Detach from the fact store first so writes racing with shutdown
	// stop enqueueing, then let the worker drain what is already queued.
	unsub()
	cancel()
	<-done
	e.timers.Stop()
	e.sched.Stop()
	e.log.Info("engine stopped", "name", e.name)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		for {
			t, ok := e.queue.TryDequeue()
			if !ok {
				break
			}
			e.process(ctx, t)
			e.pending.Add(-1)
		}
		select {
		case <-ctx.Done():
			// The select picks randomly when both channels are ready, so
			// a trigger enqueued just before cancellation may still be
			// sitting in the queue. Drain it before exiting.
			for {
				t, ok := e.queue.TryDequeue()
				if !ok {
					return
				}
				e.process(ctx, t)
				e.pending.Add(-1)
			}
		case <-e.queue.Wait():
		}
	}
}

func (e *Engine) enqueue(t trigger) bool {
	e.pending.Add(1)
	if !e.queue.Enqueue(t) {
		e.pending.Add(-1)
		return false
	}
	return true
}

// Emit stamps the event (missing id, timestamp, source, correlation) and
// appends it to the processing queue. The returned event carries the
// assigned identifiers.
func (e *Engine) Emit(ev *events.Event) *events.Event {
	if ev.ID == "" {
		ev.ID = e.ids.NewID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.Source == "" {
		ev.Source = e.name
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = e.ids.NewID()
	}
	e.enqueue(trigger{kind: kindEvent, event: ev})
	return ev
}

// EmitTopic is a convenience wrapper around Emit.
func (e *Engine) EmitTopic(topic string, data map[string]any) *events.Event {
	return e.Emit(&events.Event{Topic: topic, Data: data})
}

// SetFact writes a fact. The mutation is applied synchronously; rule
// dispatch for the change is queued.
func (e *Engine) SetFact(key string, v any, source string) facts.Change {
	if source == "" {
		source = e.name
	}
	return e.facts.Set(key, v, source)
}

// DeleteFact removes a fact, queueing dispatch for the deletion.
func (e *Engine) DeleteFact(key, source string) bool {
	if source == "" {
		source = e.name
	}
	return e.facts.Delete(key, source)
}

// GetFact reads a fact value.
func (e *Engine) GetFact(key string) (any, bool) {
	return e.facts.Get(key)
}

// RegisterRule validates and installs a rule. Temporal triggers are also
// registered with the owning matcher under the rule's id.
func (e *Engine) RegisterRule(in rule.Input) (*rule.Rule, error) {
	r, err := e.rules.Register(in)
	if err != nil {
		return nil, err
	}
	if err := e.attachTemporal(r); err != nil {
		e.rules.Unregister(r.ID)
		return nil, err
	}
	return r, nil
}

// UpsertRule installs a rule, replacing an existing one with the same id.
func (e *Engine) UpsertRule(in rule.Input) (*rule.Rule, error) {
	if old, ok := e.rules.Get(in.ID); ok {
		e.detachTemporal(old)
	}
	r, err := e.rules.Upsert(in)
	if err != nil {
		return nil, err
	}
	if err := e.attachTemporal(r); err != nil {
		e.rules.Unregister(r.ID)
		return nil, err
	}
	return r, nil
}

// UnregisterRule removes a rule from the manager and the matchers.
func (e *Engine) UnregisterRule(id string) bool {
	r, ok := e.rules.Get(id)
	if !ok {
		return false
	}
	e.detachTemporal(r)
	return e.rules.Unregister(id)
}

func (e *Engine) attachTemporal(r *rule.Rule) error {
	if r.Trigger.Type != rule.TriggerTemporal {
		return nil
	}
	p := *r.Trigger.Temporal
	switch p.Type {
	case temporal.PatternSequence:
		return e.sequence.AddPattern(r.ID, p)
	case temporal.PatternAbsence:
		return e.absence.AddPattern(r.ID, p)
	case temporal.PatternCount:
		return e.count.AddPattern(r.ID, p)
	case temporal.PatternAggregate:
		return e.agg.AddPattern(r.ID, p)
	default:
		return fmt.Errorf("unknown temporal pattern type %q", p.Type)
	}
}

func (e *Engine) detachTemporal(r *rule.Rule) {
	if r.Trigger.Type != rule.TriggerTemporal || r.Trigger.Temporal == nil {
		return
	}
	switch r.Trigger.Temporal.Type {
	case temporal.PatternSequence:
		e.sequence.RemovePattern(r.ID)
	case temporal.PatternAbsence:
		e.absence.RemovePattern(r.ID)
	case temporal.PatternCount:
		e.count.RemovePattern(r.ID)
	case temporal.PatternAggregate:
		e.agg.RemovePattern(r.ID)
	}
}

// CreateGroup registers a rule group.
func (e *Engine) CreateGroup(g rule.Group) (*rule.Group, error) {
	return e.rules.CreateGroup(g)
}

// UpdateGroup replaces a group's mutable fields.
func (e *Engine) UpdateGroup(g rule.Group) (*rule.Group, error) {
	return e.rules.UpdateGroup(g)
}

// EnableGroup activates a group's member rules.
func (e *Engine) EnableGroup(id string) error {
	return e.rules.SetGroupEnabled(id, true)
}

// DisableGroup deactivates a group's member rules.
func (e *Engine) DisableGroup(id string) error {
	return e.rules.SetGroupEnabled(id, false)
}

// DeleteGroup removes a group. Member rules fall back to their own
// Enabled flag.
func (e *Engine) DeleteGroup(id string) bool {
	return e.rules.DeleteGroup(id)
}

// RegisterService installs a lookup service handler.
func (e *Engine) RegisterService(name string, fn ServiceFunc) {
	e.lookups.register(name, fn)
}

// SetTimer installs or replaces a named timer.
func (e *Engine) SetTimer(cfg timers.Config, correlationID string) (timers.Timer, error) {
	return e.timers.Set(cfg, correlationID)
}

// CancelTimer cancels a named timer.
func (e *Engine) CancelTimer(name string) bool {
	return e.timers.Cancel(name)
}

// Rules exposes the rule manager.
func (e *Engine) Rules() *rule.Manager { return e.rules }

// Facts exposes the fact store.
func (e *Engine) Facts() *facts.Store { return e.facts }

// Events exposes the event store.
func (e *Engine) Events() *events.Store { return e.events }

// Timers exposes the timer manager.
func (e *Engine) Timers() *timers.Manager { return e.timers }

// Trace exposes the trace collector.
func (e *Engine) Trace() *trace.Collector { return e.trace }

// WaitForProcessingQueue blocks until every enqueued trigger (including
// cascading ones) has been processed, or ctx is done.
func (e *Engine) WaitForProcessingQueue(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if e.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
