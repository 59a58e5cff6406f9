package engine

import (
	"context"
	"errors"
	"time"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/temporal"
	"github.com/noex/noex-rules/internal/trace"
)

// process handles one trigger on the worker goroutine. It is the only place
// rules are evaluated.
func (e *Engine) process(ctx context.Context, t trigger) {
	switch t.kind {
	case kindEvent:
		e.processEvent(ctx, t)
	case kindFactChange:
		e.processFactChange(ctx, t)
	case kindTimerFire:
		e.processTimerFire(ctx, t)
	case kindTemporalMatch:
		e.processTemporalMatch(ctx, t)
	case kindWindowEnd:
		e.processWindowEnd(t)
	}
}

func (e *Engine) processEvent(ctx context.Context, t trigger) {
	ev := t.event
	e.events.Append(ev)
	e.stats.eventsProcessed.Add(1)
	e.record(trace.Entry{
		Type:          trace.TypeEventEmitted,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		Details:       map[string]any{"eventId": ev.ID, "topic": ev.Topic, "source": ev.Source},
	})

	// Temporal matchers observe every event; their matches queue behind
	// the current trigger.
	for _, m := range []temporal.Matcher{e.sequence, e.absence, e.count, e.agg} {
		for _, match := range m.ProcessEvent(ev) {
			mc := match
			e.enqueue(trigger{
				kind:          kindTemporalMatch,
				match:         &mc,
				correlationID: ev.CorrelationID,
				causationID:   ev.ID,
			})
		}
	}

	for _, r := range e.rules.CandidatesForEvent(ev.Topic) {
		ec := e.newEvalContext()
		ec.Event = ev
		for k, v := range ev.Context {
			ec.Vars[k] = v
		}
		ec.CorrelationID = ev.CorrelationID
		ec.CausationID = ev.ID
		e.runRule(ctx, r, ec, "event")
	}
}

func (e *Engine) processFactChange(ctx context.Context, t trigger) {
	ch := t.change
	e.stats.factChanges.Add(1)
	corr := e.ids.NewID()
	e.record(trace.Entry{
		Type:          trace.TypeFactChanged,
		CorrelationID: corr,
		Details: map[string]any{
			"key": ch.Key, "version": ch.Version,
			"source": ch.Source, "deleted": ch.Deleted,
		},
	})
	for _, r := range e.rules.CandidatesForFact(ch.Key) {
		ec := e.newEvalContext()
		ec.Change = ch
		ec.CorrelationID = corr
		e.runRule(ctx, r, ec, "fact")
	}
}

func (e *Engine) processTimerFire(ctx context.Context, t trigger) {
	tm := t.expiry.Timer
	e.stats.timersFired.Add(1)
	e.record(trace.Entry{
		Type:          trace.TypeTimerExpired,
		CorrelationID: tm.CorrelationID,
		Details: map[string]any{
			"timerId": tm.ID, "name": tm.Name, "fireCount": t.expiry.Odometer,
		},
	})

	corr := tm.CorrelationID
	if corr == "" {
		corr = e.ids.NewID()
	}

	// The configured expiry event goes through the normal emit path and
	// so dispatches after the timer-triggered rules below.
	if tm.OnExpire.Topic != "" {
		e.Emit(&events.Event{
			Topic:         tm.OnExpire.Topic,
			Data:          tm.OnExpire.Data,
			Source:        "timer:" + tm.Name,
			CorrelationID: corr,
			CausationID:   tm.ID,
		})
	}

	for _, r := range e.rules.CandidatesForTimer(tm.Name) {
		ec := e.newEvalContext()
		ec.Timer = &tm
		ec.CorrelationID = corr
		ec.CausationID = tm.ID
		e.runRule(ctx, r, ec, "timer")
	}
}

func (e *Engine) processTemporalMatch(ctx context.Context, t trigger) {
	match := t.match
	e.stats.temporalMatches.Add(1)
	r, ok := e.rules.Get(match.PatternID)
	if !ok || !e.rules.IsRuleActive(r) {
		return
	}
	ec := e.newEvalContext()
	ec.Match = match
	if n := len(match.Events); n > 0 {
		ec.Event = match.Events[n-1]
	}
	ec.CorrelationID = t.correlationID
	if ec.CorrelationID == "" {
		ec.CorrelationID = e.ids.NewID()
	}
	ec.CausationID = t.causationID
	e.runRule(ctx, r, ec, "temporal")
}

func (e *Engine) processWindowEnd(t trigger) {
	var matches []temporal.Match
	switch t.patternType {
	case temporal.PatternAbsence:
		matches = e.absence.HandleWindowEnd(t.instanceID)
	case temporal.PatternCount:
		matches = e.count.HandleWindowEnd(t.instanceID)
	case temporal.PatternAggregate:
		matches = e.agg.HandleWindowEnd(t.instanceID)
	case temporal.PatternSequence:
		matches = e.sequence.HandleWindowEnd(t.instanceID)
	}
	for _, match := range matches {
		mc := match
		tr := trigger{kind: kindTemporalMatch, match: &mc}
		if n := len(mc.Events); n > 0 {
			tr.correlationID = mc.Events[n-1].CorrelationID
			tr.causationID = mc.Events[n-1].ID
		}
		e.enqueue(tr)
	}
}

// runRule executes the full per-rule pipeline: lookups, conditions,
// actions, with tracing at each step.
func (e *Engine) runRule(ctx context.Context, r *rule.Rule, ec *evalContext, triggerType string) {
	start := time.Now()
	e.stats.rulesTriggered.Add(1)
	e.record(trace.Entry{
		Type: trace.TypeRuleTriggered, RuleID: r.ID, RuleName: r.Name,
		CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
		Details: map[string]any{"trigger": triggerType},
	})

	if err := e.lookups.resolveAll(ctx, r.Lookups, ec); err != nil {
		var lf *errLookupFailed
		details := map[string]any{"reason": "lookup_failed"}
		if errors.As(err, &lf) {
			details["lookup"] = lf.Name
			details["error"] = lf.Err.Error()
		}
		e.stats.rulesSkipped.Add(1)
		e.record(trace.Entry{
			Type: trace.TypeRuleSkipped, RuleID: r.ID, RuleName: r.Name,
			CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
			Details: details,
		})
		return
	}

	passed, results := evaluateConditions(r.Conditions, ec)
	for _, res := range results {
		e.record(trace.Entry{
			Type: trace.TypeConditionEvaluated, RuleID: r.ID, RuleName: r.Name,
			CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
			DurationMs: res.DurationMs,
			Details: map[string]any{
				"index": res.Index, "passed": res.Passed,
				"expected": res.Expected, "actual": res.Actual,
			},
		})
	}
	if !passed {
		e.stats.rulesSkipped.Add(1)
		e.record(trace.Entry{
			Type: trace.TypeRuleSkipped, RuleID: r.ID, RuleName: r.Name,
			CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
			Details: map[string]any{"reason": "conditions_not_met"},
		})
		return
	}

	for i, a := range r.Actions {
		e.record(trace.Entry{
			Type: trace.TypeActionStarted, RuleID: r.ID, RuleName: r.Name,
			CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
			Details: map[string]any{"index": i, "actionType": a.Type},
		})
		actStart := time.Now()
		err := e.executeAction(a, ec, r)
		durMs := float64(time.Since(actStart)) / float64(time.Millisecond)
		if err != nil {
			// Failures are recorded and the remaining actions still run.
			e.stats.actionsFailed.Add(1)
			e.record(trace.Entry{
				Type: trace.TypeActionFailed, RuleID: r.ID, RuleName: r.Name,
				CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
				DurationMs: durMs,
				Details:    map[string]any{"index": i, "actionType": a.Type, "error": err.Error()},
			})
			e.log.Warn("action failed", "rule", r.ID, "index", i, "type", a.Type, "error", err)
			continue
		}
		e.record(trace.Entry{
			Type: trace.TypeActionCompleted, RuleID: r.ID, RuleName: r.Name,
			CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
			DurationMs: durMs,
			Details:    map[string]any{"index": i, "actionType": a.Type},
		})
	}

	e.stats.rulesExecuted.Add(1)
	e.record(trace.Entry{
		Type: trace.TypeRuleExecuted, RuleID: r.ID, RuleName: r.Name,
		CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
		DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
	})
}

func (e *Engine) newEvalContext() *evalContext {
	return &evalContext{
		Facts:    e.facts,
		Vars:     make(map[string]any),
		Lookups:  make(map[string]any),
		Baseline: e.baseline,
	}
}

func (e *Engine) record(entry trace.Entry) {
	e.trace.Record(entry)
}
