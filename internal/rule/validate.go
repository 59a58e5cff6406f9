package rule

import "fmt"

var validOperators = map[string]bool{
	OpEq: true, OpNeq: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true,
	OpMatches: true, OpExists: true, OpNotExists: true,
}

// Validate checks an Input before registration.
func (in Input) Validate() error {
	if in.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if in.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if err := in.Trigger.validate(); err != nil {
		return err
	}
	for i, c := range in.Conditions {
		if err := c.validate(i); err != nil {
			return err
		}
	}
	if len(in.Actions) == 0 {
		return &ValidationError{Field: "actions", Reason: "at least one action required"}
	}
	for i, a := range in.Actions {
		if err := a.validate(i); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(in.Lookups))
	for i, l := range in.Lookups {
		if err := l.validate(i); err != nil {
			return err
		}
		if seen[l.Name] {
			return &ValidationError{
				Field:  fmt.Sprintf("lookups[%d].name", i),
				Reason: fmt.Sprintf("duplicate lookup name %q", l.Name),
			}
		}
		seen[l.Name] = true
	}
	return nil
}

func (t Trigger) validate() error {
	switch t.Type {
	case TriggerEvent:
		if t.Topic == "" {
			return &ValidationError{Field: "trigger.topic", Reason: "required for event trigger"}
		}
	case TriggerFact:
		if t.Pattern == "" {
			return &ValidationError{Field: "trigger.pattern", Reason: "required for fact trigger"}
		}
	case TriggerTimer:
		if t.Timer == "" {
			return &ValidationError{Field: "trigger.timer", Reason: "required for timer trigger"}
		}
	case TriggerTemporal:
		if t.Temporal == nil {
			return &ValidationError{Field: "trigger.temporal", Reason: "required for temporal trigger"}
		}
		if err := t.Temporal.Validate(); err != nil {
			return &ValidationError{Field: "trigger.temporal", Reason: err.Error()}
		}
	case "":
		return &ValidationError{Field: "trigger.type", Reason: "required"}
	default:
		return &ValidationError{Field: "trigger.type", Reason: fmt.Sprintf("unknown trigger type %q", t.Type)}
	}
	return nil
}

func (c Condition) validate(i int) error {
	field := func(f string) string { return fmt.Sprintf("conditions[%d].%s", i, f) }

	switch c.Source.Type {
	case SourceFact:
		if c.Source.Pattern == "" {
			return &ValidationError{Field: field("source.pattern"), Reason: "required for fact source"}
		}
	case SourceEvent:
		if c.Source.Field == "" {
			return &ValidationError{Field: field("source.field"), Reason: "required for event source"}
		}
	case SourceContext:
		if c.Source.Key == "" {
			return &ValidationError{Field: field("source.key"), Reason: "required for context source"}
		}
	case SourceLookup:
		if c.Source.Name == "" {
			return &ValidationError{Field: field("source.name"), Reason: "required for lookup source"}
		}
	case SourceBaseline:
		if c.Source.Metric == "" {
			return &ValidationError{Field: field("source.metric"), Reason: "required for baseline source"}
		}
	default:
		return &ValidationError{Field: field("source.type"), Reason: fmt.Sprintf("unknown source type %q", c.Source.Type)}
	}

	if !validOperators[c.Operator] {
		return &ValidationError{Field: field("operator"), Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
	return nil
}

func (a Action) validate(i int) error {
	field := func(f string) string { return fmt.Sprintf("actions[%d].%s", i, f) }

	switch a.Type {
	case ActionSetFact, ActionDeleteFact:
		if a.Key == "" {
			return &ValidationError{Field: field("key"), Reason: "required"}
		}
	case ActionEmitEvent:
		if a.Topic == "" {
			return &ValidationError{Field: field("topic"), Reason: "required"}
		}
	case ActionSetTimer:
		if a.Timer == nil {
			return &ValidationError{Field: field("timer"), Reason: "required"}
		}
		if a.Timer.Name == "" {
			return &ValidationError{Field: field("timer.name"), Reason: "required"}
		}
		if a.Timer.OnExpire.Topic == "" {
			return &ValidationError{Field: field("timer.onExpire.topic"), Reason: "required"}
		}
	case ActionCancelTimer:
		if a.TimerName == "" {
			return &ValidationError{Field: field("timerName"), Reason: "required"}
		}
	case ActionLog:
		if a.Message == "" {
			return &ValidationError{Field: field("message"), Reason: "required"}
		}
	default:
		return &ValidationError{Field: field("type"), Reason: fmt.Sprintf("unknown action type %q", a.Type)}
	}
	return nil
}

func (l Lookup) validate(i int) error {
	field := func(f string) string { return fmt.Sprintf("lookups[%d].%s", i, f) }

	if l.Name == "" {
		return &ValidationError{Field: field("name"), Reason: "required"}
	}
	if l.Service == "" {
		return &ValidationError{Field: field("service"), Reason: "required"}
	}
	if l.Method == "" {
		return &ValidationError{Field: field("method"), Reason: "required"}
	}
	switch l.OnError {
	case "", "skip", "fail":
	default:
		return &ValidationError{Field: field("onError"), Reason: `must be "skip" or "fail"`}
	}
	return nil
}
