// Package reload keeps a running engine's rule set in sync with external
// rule sources. A polling loop (with optional fsnotify kicks) loads the
// merged set, diffs it against the tracked hashes, and applies the changes
// after the engine's processing queue drains.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/trace"
)

// RuleHost is the slice of the engine the watcher drives.
type RuleHost interface {
	RegisterRule(rule.Input) (*rule.Rule, error)
	UpsertRule(rule.Input) (*rule.Rule, error)
	UnregisterRule(id string) bool
	WaitForProcessingQueue(ctx context.Context) error
}

// Diff is the change set between the tracked rules and a fresh load.
type Diff struct {
	Added    []rule.Input
	Modified []rule.Input
	Removed  []string
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Status is a snapshot of the watcher's state.
type Status struct {
	Running           bool   `json:"running"`
	IntervalMs        int64  `json:"intervalMs"`
	TrackedRulesCount int    `json:"trackedRulesCount"`
	LastReloadAt      int64  `json:"lastReloadAt,omitempty"`
	ReloadCount       int64  `json:"reloadCount"`
	FailureCount      int64  `json:"failureCount"`
}

// Config tunes the watcher. Zero values take the documented defaults.
type Config struct {
	// Interval between polls. Default 5s.
	Interval time.Duration
	// Atomic aborts the whole batch when any source load or validation
	// fails. Default true.
	Atomic bool
	// ValidateBeforeApply validates every added and modified rule before
	// touching the engine. Default true.
	ValidateBeforeApply bool
}

// DefaultInterval is the poll interval when none is configured.
const DefaultInterval = 5 * time.Second

// Watcher polls rule sources and applies their diffs to the engine.
type Watcher struct {
	host    RuleHost
	sources []Source
	traces  *trace.Collector
	log     *slog.Logger

	interval time.Duration
	atomic   bool
	validate bool

	mu           sync.Mutex
	tracked      map[string]string // rule id -> definition hash
	running      bool
	lastReloadAt int64
	reloadCount  int64
	failureCount int64
	kick         chan struct{}
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewWatcher creates a stopped watcher. The trace collector may be nil.
func NewWatcher(host RuleHost, cfg Config, traces *trace.Collector, sources ...Source) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		host:     host,
		sources:  sources,
		traces:   traces,
		log:      slog.Default(),
		interval: interval,
		atomic:   cfg.Atomic,
		validate: cfg.ValidateBeforeApply,
		tracked:  make(map[string]string),
		kick:     make(chan struct{}, 1),
	}
}

// Start runs the watch loop until ctx is done. An immediate first reload
// loads the initial rule set.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// Stop halts the watch loop. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	cancel()
	<-done
}

// Kick requests an immediate reload ahead of the next poll. Non-blocking;
// repeated kicks coalesce.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// GetStatus snapshots the watcher state.
func (w *Watcher) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Running:           w.running,
		IntervalMs:        w.interval.Milliseconds(),
		TrackedRulesCount: len(w.tracked),
		LastReloadAt:      w.lastReloadAt,
		ReloadCount:       w.reloadCount,
		FailureCount:      w.failureCount,
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if err := w.ReloadNow(ctx); err != nil {
		w.log.Error("initial rule load failed", "error", err)
	}
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-w.kick:
		}
		if err := w.ReloadNow(ctx); err != nil {
			w.log.Error("rule reload failed", "error", err)
		}
	}
}

// ReloadNow performs one load-diff-apply cycle. Source errors never stop
// the watcher; in atomic mode they abort the batch.
func (w *Watcher) ReloadNow(ctx context.Context) error {
	w.record(trace.Entry{Type: trace.TypeHotReloadStarted})

	loaded, loadErr := w.loadAll()
	if loadErr != nil && w.atomic {
		return w.fail(fmt.Errorf("load: %w", loadErr))
	}

	diff := w.diff(loaded)
	if loadErr != nil {
		// Partial load: rules absent from the merge may belong to the
		// failed source, so removals are deferred to a clean cycle.
		diff.Removed = nil
	}
	if w.validate {
		for _, in := range append(append([]rule.Input{}, diff.Added...), diff.Modified...) {
			if err := in.Validate(); err != nil {
				return w.fail(fmt.Errorf("validate %s: %w", in.ID, err))
			}
		}
	}

	if diff.Empty() {
		w.finish(diff)
		return nil
	}

	// Apply against a quiet engine so no in-flight dispatch observes a
	// half-applied batch.
	if err := w.host.WaitForProcessingQueue(ctx); err != nil {
		return w.fail(fmt.Errorf("drain queue: %w", err))
	}

	for _, id := range diff.Removed {
		w.host.UnregisterRule(id)
	}
	for _, in := range diff.Modified {
		if _, err := w.host.UpsertRule(in); err != nil {
			return w.fail(fmt.Errorf("replace %s: %w", in.ID, err))
		}
	}
	for _, in := range diff.Added {
		if _, err := w.host.RegisterRule(in); err != nil {
			return w.fail(fmt.Errorf("add %s: %w", in.ID, err))
		}
	}

	w.commitTracked(diff)
	w.finish(diff)
	w.log.Info("rules reloaded",
		"added", len(diff.Added), "removed", len(diff.Removed), "modified", len(diff.Modified))
	return nil
}

// loadAll merges every source's rules. In non-atomic mode a failing source
// only drops its own contribution.
func (w *Watcher) loadAll() (map[string]rule.Input, error) {
	merged := make(map[string]rule.Input)
	var firstErr error
	for _, s := range w.sources {
		inputs, err := s.LoadRules()
		if err != nil {
			w.log.Warn("rule source failed", "source", s.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("source %s: %w", s.Name(), err)
			}
			continue
		}
		for _, in := range inputs {
			if _, dup := merged[in.ID]; dup {
				w.log.Warn("duplicate rule id across sources", "id", in.ID, "source", s.Name())
			}
			merged[in.ID] = in
		}
	}
	return merged, firstErr
}

func (w *Watcher) diff(loaded map[string]rule.Input) Diff {
	w.mu.Lock()
	defer w.mu.Unlock()

	var d Diff
	for id, in := range loaded {
		h, err := rule.DefinitionHash(in)
		if err != nil {
			// Unhashable inputs surface through validation instead.
			h = ""
		}
		prev, tracked := w.tracked[id]
		switch {
		case !tracked:
			d.Added = append(d.Added, in)
		case prev != h:
			d.Modified = append(d.Modified, in)
		}
	}
	for id := range w.tracked {
		if _, ok := loaded[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// commitTracked folds an applied diff into the tracked hashes. Incremental
// rather than a rebuild so a partial load with deferred removals keeps the
// untouched rules tracked.
func (w *Watcher) commitTracked(d Diff) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range d.Removed {
		delete(w.tracked, id)
	}
	for _, in := range append(append([]rule.Input{}, d.Added...), d.Modified...) {
		h, err := rule.DefinitionHash(in)
		if err != nil {
			h = ""
		}
		w.tracked[in.ID] = h
	}
}

func (w *Watcher) finish(d Diff) {
	w.mu.Lock()
	w.lastReloadAt = time.Now().UnixMilli()
	w.reloadCount++
	tracked := len(w.tracked)
	w.mu.Unlock()
	w.record(trace.Entry{
		Type: trace.TypeHotReloadCompleted,
		Details: map[string]any{
			"addedCount":    len(d.Added),
			"removedCount":  len(d.Removed),
			"modifiedCount": len(d.Modified),
			"trackedRules":  tracked,
		},
	})
}

func (w *Watcher) fail(err error) error {
	w.mu.Lock()
	w.failureCount++
	w.mu.Unlock()
	w.record(trace.Entry{
		Type:    trace.TypeHotReloadFailed,
		Details: map[string]any{"error": err.Error()},
	})
	return err
}

func (w *Watcher) record(e trace.Entry) {
	if w.traces != nil {
		w.traces.Record(e)
	}
}
