package engine

import (
	"strings"

	"github.com/noex/noex-rules/internal/events"
	"github.com/noex/noex-rules/internal/facts"
	"github.com/noex/noex-rules/internal/temporal"
	"github.com/noex/noex-rules/internal/timers"
	"github.com/noex/noex-rules/internal/value"
)

// evalContext carries everything a rule evaluation can reference. Paths are
// resolved against named roots:
//
//	event.*    the triggering event (doc fields, then its data)
//	fact.KEY   the live fact store; the remainder after "fact." is the key
//	context.*  caller-supplied and lookup-bound variables
//	lookup.*   resolved lookup results by name
//	matched.*  temporal match aliases ("matched.paid.data.amount")
//	trigger.*  trigger metadata (type, timer name, fact key)
type evalContext struct {
	Event  *events.Event
	Change *facts.Change
	Timer  *timers.Timer
	Match  *temporal.Match

	Facts    *facts.Store
	Vars     map[string]any
	Lookups  map[string]any
	Baseline func(metric string) (any, bool)

	CorrelationID string
	CausationID   string
}

// Resolve implements value.Resolver over the context's roots.
func (c *evalContext) Resolve(path string) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "event":
		if c.Event == nil {
			return nil, false
		}
		if rest == "" {
			return c.Event.Doc(), true
		}
		if v, ok := value.PathGet(c.Event.Doc(), rest); ok {
			return v, true
		}
		// Convenience: "event.amount" reads event data directly.
		return value.PathGet(c.Event.Data, rest)
	case "fact":
		if c.Facts == nil || rest == "" {
			return nil, false
		}
		return c.Facts.Get(rest)
	case "context":
		if rest == "" {
			return nil, false
		}
		return value.PathGet(c.Vars, rest)
	case "lookup":
		if rest == "" {
			return nil, false
		}
		name, field, _ := strings.Cut(rest, ".")
		res, ok := c.Lookups[name]
		if !ok {
			return nil, false
		}
		if field == "" {
			return res, true
		}
		return value.PathGet(res, field)
	case "matched":
		if c.Match == nil || rest == "" {
			return nil, false
		}
		alias, field, _ := strings.Cut(rest, ".")
		e, ok := c.Match.Aliases[alias]
		if !ok {
			return nil, false
		}
		if field == "" {
			return e.Doc(), true
		}
		if v, ok := value.PathGet(e.Doc(), field); ok {
			return v, true
		}
		return value.PathGet(e.Data, field)
	case "trigger":
		return value.PathGet(c.triggerDoc(), rest)
	default:
		return nil, false
	}
}

func (c *evalContext) triggerDoc() map[string]any {
	doc := map[string]any{}
	switch {
	case c.Match != nil:
		doc["type"] = "temporal"
		doc["patternType"] = string(c.Match.Type)
		doc["groupKey"] = c.Match.GroupKey
		doc["count"] = c.Match.Count
		doc["value"] = c.Match.Value
	case c.Timer != nil:
		doc["type"] = "timer"
		doc["name"] = c.Timer.Name
		doc["fireCount"] = c.Timer.FireCount
	case c.Change != nil:
		doc["type"] = "fact"
		doc["key"] = c.Change.Key
		doc["value"] = c.Change.Value
		doc["previous"] = c.Change.Previous
		doc["deleted"] = c.Change.Deleted
	case c.Event != nil:
		doc["type"] = "event"
		doc["topic"] = c.Event.Topic
	}
	return doc
}
