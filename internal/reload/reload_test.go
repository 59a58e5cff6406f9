package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex/noex-rules/internal/ident"
	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/trace"
)

// fakeHost records the rule operations the watcher applies.
type fakeHost struct {
	mu           sync.Mutex
	rules        map[string]rule.Input
	registered   []string
	upserted     []string
	unregistered []string
	drains       int
}

func newFakeHost() *fakeHost {
	return &fakeHost{rules: make(map[string]rule.Input)}
}

func (h *fakeHost) RegisterRule(in rule.Input) (*rule.Rule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rules[in.ID]; ok {
		return nil, &rule.ConflictError{Kind: "rule", ID: in.ID}
	}
	h.rules[in.ID] = in
	h.registered = append(h.registered, in.ID)
	return &rule.Rule{ID: in.ID, Name: in.Name, Version: 1}, nil
}

func (h *fakeHost) UpsertRule(in rule.Input) (*rule.Rule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules[in.ID] = in
	h.upserted = append(h.upserted, in.ID)
	return &rule.Rule{ID: in.ID, Name: in.Name, Version: 2}, nil
}

func (h *fakeHost) UnregisterRule(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rules[id]
	delete(h.rules, id)
	h.unregistered = append(h.unregistered, id)
	return ok
}

func (h *fakeHost) WaitForProcessingQueue(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drains++
	return nil
}

func (h *fakeHost) ruleIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rules))
	for id := range h.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func input(id string, priority int) rule.Input {
	return rule.Input{
		ID:       id,
		Name:     id,
		Priority: priority,
		Trigger:  rule.Trigger{Type: rule.TriggerEvent, Topic: "orders.**"},
		Actions: []rule.Action{
			{Type: rule.ActionSetFact, Key: "seen:" + id, Value: true},
		},
	}
}

func collector(t *testing.T) *trace.Collector {
	t.Helper()
	c := trace.NewCollector(100, ident.NewFixedGenerator("tr"))
	c.SetEnabled(true)
	return c
}

func TestReload_InitialLoadRegisters(t *testing.T) {
	host := newFakeHost()
	src := NewStaticSource("static", input("r1", 1), input("r2", 2))
	w := NewWatcher(host, Config{Atomic: true, ValidateBeforeApply: true}, nil, src)

	require.NoError(t, w.ReloadNow(context.Background()))

	assert.Equal(t, []string{"r1", "r2"}, host.ruleIDs())
	assert.Equal(t, 1, host.drains)

	st := w.GetStatus()
	assert.Equal(t, 2, st.TrackedRulesCount)
	assert.Equal(t, int64(1), st.ReloadCount)
	assert.Equal(t, int64(0), st.FailureCount)
}

func TestReload_AddRemoveModify(t *testing.T) {
	host := newFakeHost()
	src := NewStaticSource("static", input("r1", 1), input("r2", 2))
	tc := collector(t)
	w := NewWatcher(host, Config{Atomic: true, ValidateBeforeApply: true}, tc, src)
	require.NoError(t, w.ReloadNow(context.Background()))

	// r1 changes priority, r2 disappears, r3 is new.
	src.SetRules(input("r1", 9), input("r3", 3))
	require.NoError(t, w.ReloadNow(context.Background()))

	assert.Equal(t, []string{"r1", "r3"}, host.ruleIDs())
	assert.Equal(t, []string{"r2"}, host.unregistered)
	assert.Equal(t, []string{"r1"}, host.upserted)
	assert.Contains(t, host.registered, "r3")

	completed := tc.ByType(trace.TypeHotReloadCompleted)
	require.Len(t, completed, 2)
	last := completed[len(completed)-1]
	assert.Equal(t, 1, last.Details["addedCount"])
	assert.Equal(t, 1, last.Details["removedCount"])
	assert.Equal(t, 1, last.Details["modifiedCount"])
	assert.Equal(t, 2, last.Details["trackedRules"])
}

func TestReload_UnchangedSetIsNoOp(t *testing.T) {
	host := newFakeHost()
	src := NewStaticSource("static", input("r1", 1))
	w := NewWatcher(host, Config{Atomic: true, ValidateBeforeApply: true}, nil, src)
	require.NoError(t, w.ReloadNow(context.Background()))
	drainsAfterFirst := host.drains

	require.NoError(t, w.ReloadNow(context.Background()))

	assert.Equal(t, drainsAfterFirst, host.drains, "empty diff skips the drain")
	assert.Empty(t, host.upserted)
	assert.Equal(t, int64(2), w.GetStatus().ReloadCount)
}

func TestReload_AtomicValidationAbortsBatch(t *testing.T) {
	host := newFakeHost()
	src := NewStaticSource("static", input("r1", 1))
	tc := collector(t)
	w := NewWatcher(host, Config{Atomic: true, ValidateBeforeApply: true}, tc, src)
	require.NoError(t, w.ReloadNow(context.Background()))

	bad := input("r-bad", 1)
	bad.Actions = nil
	src.SetRules(input("r1", 1), input("r2", 2), bad)

	err := w.ReloadNow(context.Background())
	require.Error(t, err)

	// Nothing from the batch applied, r2 included.
	assert.Equal(t, []string{"r1"}, host.ruleIDs())
	assert.Equal(t, int64(1), w.GetStatus().FailureCount)

	failed := tc.ByType(trace.TypeHotReloadFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Details["error"], "r-bad")
}

func TestReload_AtomicSourceErrorAbortsBatch(t *testing.T) {
	host := newFakeHost()
	good := NewStaticSource("good", input("r1", 1))
	flaky := NewStaticSource("flaky", input("r2", 2))
	w := NewWatcher(host, Config{Atomic: true, ValidateBeforeApply: true}, nil, good, flaky)
	require.NoError(t, w.ReloadNow(context.Background()))

	flaky.Fail(errors.New("backend down"))
	good.SetRules(input("r1", 9))

	err := w.ReloadNow(context.Background())
	require.Error(t, err)
	assert.Empty(t, host.upserted, "nothing applied while a source is down")
	assert.Equal(t, []string{"r1", "r2"}, host.ruleIDs())
}

func TestReload_NonAtomicSourceErrorDefersRemovals(t *testing.T) {
	host := newFakeHost()
	good := NewStaticSource("good", input("r1", 1))
	flaky := NewStaticSource("flaky", input("r2", 2))
	w := NewWatcher(host, Config{ValidateBeforeApply: true}, nil, good, flaky)
	require.NoError(t, w.ReloadNow(context.Background()))

	// The flaky source fails; its rule must not be torn down, but the
	// healthy source's change still lands.
	flaky.Fail(errors.New("backend down"))
	good.SetRules(input("r1", 9))
	require.NoError(t, w.ReloadNow(context.Background()))

	assert.Equal(t, []string{"r1", "r2"}, host.ruleIDs())
	assert.Equal(t, []string{"r1"}, host.upserted)
	assert.Empty(t, host.unregistered)

	// Once the source recovers, a genuine removal goes through.
	flaky.SetRules()
	require.NoError(t, w.ReloadNow(context.Background()))
	assert.Equal(t, []string{"r1"}, host.ruleIDs())
	assert.Equal(t, []string{"r2"}, host.unregistered)
}

func TestReload_StartPollsAndStops(t *testing.T) {
	host := newFakeHost()
	src := NewStaticSource("static", input("r1", 1))
	w := NewWatcher(host, Config{Interval: 10 * time.Millisecond, Atomic: true}, nil, src)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(host.ruleIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	src.SetRules(input("r1", 1), input("r2", 2))
	w.Kick()
	require.Eventually(t, func() bool {
		return len(host.ruleIDs()) == 2
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.False(t, w.GetStatus().Running)
	w.Stop() // idempotent
}

func TestFileSource_LoadsAndValidates(t *testing.T) {
	dir := t.TempDir()
	good := `
id: fraud-alert
name: Fraud alert
trigger:
  type: event
  topic: payments.*.failed
conditions:
  - source: {type: event, field: amount}
    operator: gt
    value: 1000
actions:
  - type: emit_event
    topic: alerts.fraud
---
id: second-rule
name: Second
trigger:
  type: fact
  pattern: "customer:*:tier"
actions:
  - type: log
    message: tier changed
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	src := NewFileSource("files", dir)
	inputs, err := src.LoadRules()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "fraud-alert", inputs[0].ID)
	assert.Equal(t, "payments.*.failed", inputs[0].Trigger.Topic)
	assert.Equal(t, rule.TriggerFact, inputs[1].Trigger.Type)
}

func TestFileSource_SchemaRejectsBadDocument(t *testing.T) {
	dir := t.TempDir()
	bad := `
id: broken
name: Broken
trigger:
  type: cron
actions:
  - type: log
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644))

	src := NewFileSource("files", dir)
	_, err := src.LoadRules()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestFileSource_EndToEndWithWatcher(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: file-rule
name: From file
trigger:
  type: event
  topic: orders.created
actions:
  - type: set_fact
    key: "order:${event.data.id}:seen"
    value: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.yaml"), []byte(doc), 0o644))

	host := newFakeHost()
	w := NewWatcher(host, Config{Atomic: true, ValidateBeforeApply: true}, nil,
		NewFileSource("files", dir))
	require.NoError(t, w.ReloadNow(context.Background()))
	assert.Equal(t, []string{"file-rule"}, host.ruleIDs())
}
