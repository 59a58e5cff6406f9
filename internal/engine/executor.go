package engine

import (
	"errors"
	"fmt"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/trace"
	"github.com/noex/noex-rules/internal/value"
)

// executeAction applies one action's side effect. An error means the side
// effect was not applied; the dispatcher records it and continues with the
// rule's remaining actions.
func (e *Engine) executeAction(a rule.Action, ec *evalContext, r *rule.Rule) error {
	switch a.Type {
	case rule.ActionSetFact:
		return e.execSetFact(a, ec, r)
	case rule.ActionDeleteFact:
		key, err := value.InterpolateString(a.Key, ec.Resolve)
		if err != nil {
			return fmt.Errorf("resolve key: %w", err)
		}
		e.facts.Delete(key, "rule:"+r.ID)
		return nil
	case rule.ActionEmitEvent:
		return e.execEmitEvent(a, ec, r)
	case rule.ActionSetTimer:
		return e.execSetTimer(a, ec, r)
	case rule.ActionCancelTimer:
		name, err := value.InterpolateString(a.TimerName, ec.Resolve)
		if err != nil {
			return fmt.Errorf("resolve timer name: %w", err)
		}
		cancelled := e.timers.Cancel(name)
		e.record(trace.Entry{
			Type: trace.TypeTimerCancelled, RuleID: r.ID, RuleName: r.Name,
			CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
			Details: map[string]any{"name": name, "cancelled": cancelled},
		})
		return nil
	case rule.ActionLog:
		return e.execLog(a, ec, r)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// execSetFact resolves key and value, then writes the fact. A value that is
// a ref to an absent source skips the write and reports failure; writing an
// undefined would poison downstream conditions silently.
func (e *Engine) execSetFact(a rule.Action, ec *evalContext, r *rule.Rule) error {
	key, err := value.InterpolateString(a.Key, ec.Resolve)
	if err != nil {
		return fmt.Errorf("resolve key: %w", err)
	}
	v, err := value.ResolveTemplates(a.Value, ec.Resolve)
	if err != nil {
		var unres *value.ErrUnresolved
		if errors.As(err, &unres) {
			return fmt.Errorf("skipped write to %s: %w", key, err)
		}
		return fmt.Errorf("resolve value: %w", err)
	}
	e.facts.Set(key, v, "rule:"+r.ID)
	return nil
}

func (e *Engine) execEmitEvent(a rule.Action, ec *evalContext, r *rule.Rule) error {
	topic, err := value.InterpolateString(a.Topic, ec.Resolve)
	if err != nil {
		return fmt.Errorf("resolve topic: %w", err)
	}
	var data map[string]any
	if a.Data != nil {
		resolved, err := value.ResolveTemplates(a.Data, ec.Resolve)
		if err != nil {
			return fmt.Errorf("resolve data: %w", err)
		}
		data, _ = resolved.(map[string]any)
	}
	e.Emit(&events.Event{
		Topic:         topic,
		Data:          data,
		Source:        "rule:" + r.ID,
		CorrelationID: ec.CorrelationID,
		CausationID:   ec.CausationID,
	})
	return nil
}

func (e *Engine) execSetTimer(a rule.Action, ec *evalContext, r *rule.Rule) error {
	cfg := *a.Timer
	name, err := value.InterpolateString(cfg.Name, ec.Resolve)
	if err != nil {
		return fmt.Errorf("resolve timer name: %w", err)
	}
	cfg.Name = name
	if cfg.OnExpire.Data != nil {
		resolved, err := value.ResolveTemplates(cfg.OnExpire.Data, ec.Resolve)
		if err != nil {
			return fmt.Errorf("resolve timer data: %w", err)
		}
		cfg.OnExpire.Data, _ = resolved.(map[string]any)
	}
	tm, err := e.timers.Set(cfg, ec.CorrelationID)
	if err != nil {
		return err
	}
	e.record(trace.Entry{
		Type: trace.TypeTimerSet, RuleID: r.ID, RuleName: r.Name,
		CorrelationID: ec.CorrelationID, CausationID: ec.CausationID,
		Details: map[string]any{"timerId": tm.ID, "name": tm.Name, "expiresAt": tm.ExpiresAt},
	})
	return nil
}

func (e *Engine) execLog(a rule.Action, ec *evalContext, r *rule.Rule) error {
	msg, err := value.InterpolateString(a.Message, ec.Resolve)
	if err != nil {
		return fmt.Errorf("resolve message: %w", err)
	}
	attrs := []any{"rule", r.ID}
	if ec.CorrelationID != "" {
		attrs = append(attrs, "correlationId", ec.CorrelationID)
	}
	switch a.Level {
	case "debug":
		e.log.Debug(msg, attrs...)
	case "warn", "warning":
		e.log.Warn(msg, attrs...)
	case "error":
		e.log.Error(msg, attrs...)
	default:
		e.log.Info(msg, attrs...)
	}
	return nil
}
