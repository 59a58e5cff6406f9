package history

import (
	"fmt"
	"strings"

	"github.com/noex/noex-rules/internal/trace"
)

// ExportMermaid renders a correlation timeline as a Mermaid sequence
// diagram. Participants are the event sources, topic nodes, and rule
// nodes that appear in the timeline; interactions are event emissions and
// rule executions.
func (s *Service) ExportMermaid(correlationID string) string {
	items := s.Timeline(correlationID)

	var b strings.Builder
	b.WriteString("sequenceDiagram\n")

	// Participants in first-appearance order.
	declared := make(map[string]bool)
	declare := func(id, label string) {
		if declared[id] {
			return
		}
		declared[id] = true
		fmt.Fprintf(&b, "    participant %s as %s\n", id, label)
	}
	for _, item := range items {
		switch {
		case item.Event != nil:
			src := item.Event.Source
			if src == "" {
				src = "unknown"
			}
			declare(participantID("src", src), src)
			declare(participantID("topic", item.Event.Topic), item.Event.Topic)
		case item.Trace != nil && item.Trace.Type == trace.TypeRuleExecuted:
			declare(participantID("rule", item.Trace.RuleID), ruleLabel(item.Trace))
		}
	}

	for _, item := range items {
		switch {
		case item.Event != nil:
			src := item.Event.Source
			if src == "" {
				src = "unknown"
			}
			fmt.Fprintf(&b, "    %s->>%s: emit (t=%d)\n",
				participantID("src", src),
				participantID("topic", item.Event.Topic),
				item.Event.Timestamp)
		case item.Trace != nil && item.Trace.Type == trace.TypeRuleExecuted:
			target := participantID("rule", item.Trace.RuleID)
			// Connect the executing rule to its causing topic when known.
			from := target
			if item.Trace.CausationID != "" {
				if cause, ok := s.events.Get(item.Trace.CausationID); ok {
					from = participantID("topic", cause.Topic)
				}
			}
			fmt.Fprintf(&b, "    %s->>%s: execute (%.1fms)\n",
				from, target, item.Trace.DurationMs)
		}
	}
	return b.String()
}

func ruleLabel(t *trace.Entry) string {
	if t.RuleName != "" {
		return t.RuleName
	}
	return t.RuleID
}

// participantID builds a Mermaid-safe identifier from a kind prefix and a
// free-form name.
func participantID(kind, name string) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte('_')
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
