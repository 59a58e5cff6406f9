package rule

import (
	"time"

	"github.com/noex/noex-rules/internal/temporal"
	"github.com/noex/noex-rules/internal/timers"
)

// Trigger kinds.
const (
	TriggerEvent    = "event"
	TriggerFact     = "fact"
	TriggerTimer    = "timer"
	TriggerTemporal = "temporal"
)

// Condition source kinds.
const (
	SourceFact     = "fact"
	SourceEvent    = "event"
	SourceContext  = "context"
	SourceLookup   = "lookup"
	SourceBaseline = "baseline"
)

// Condition operators.
const (
	OpEq          = "eq"
	OpNeq         = "neq"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpMatches     = "matches"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Action kinds.
const (
	ActionSetFact     = "set_fact"
	ActionDeleteFact  = "delete_fact"
	ActionEmitEvent   = "emit_event"
	ActionSetTimer    = "set_timer"
	ActionCancelTimer = "cancel_timer"
	ActionLog         = "log"
)

// Trigger selects the stimulus that makes a rule a dispatch candidate.
// Exactly one of the variant fields is set, per Type.
type Trigger struct {
	Type string `json:"type" yaml:"type"`

	// TriggerEvent: exact topic or pattern with * / ** over dot segments.
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`
	// TriggerFact: pattern over colon-delimited fact keys.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// TriggerTimer: timer name, wildcards allowed.
	Timer string `json:"timer,omitempty" yaml:"timer,omitempty"`
	// TriggerTemporal: a CEP pattern.
	Temporal *temporal.Pattern `json:"temporal,omitempty" yaml:"temporal,omitempty"`
}

// Source names where a condition reads its actual value from.
type Source struct {
	Type string `json:"type" yaml:"type"`

	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"` // fact key, may interpolate
	Field   string `json:"field,omitempty" yaml:"field,omitempty"`     // event data path, or lookup sub-field
	Key     string `json:"key,omitempty" yaml:"key,omitempty"`         // context variable
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`       // lookup name
	Metric  string `json:"metric,omitempty" yaml:"metric,omitempty"`   // baseline metric
}

// Condition is a single predicate. Value may be a literal or a ref object
// resolved against the evaluation context.
type Condition struct {
	Source   Source `json:"source" yaml:"source"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Action is a tagged side effect. Fields are interpreted per Type; string
// fields may contain ${...} interpolation, payloads may contain ref objects.
type Action struct {
	Type string `json:"type" yaml:"type"`

	Key   string         `json:"key,omitempty" yaml:"key,omitempty"`     // set_fact, delete_fact
	Value any            `json:"value,omitempty" yaml:"value,omitempty"` // set_fact
	Topic string         `json:"topic,omitempty" yaml:"topic,omitempty"` // emit_event
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`   // emit_event

	Timer     *timers.Config `json:"timer,omitempty" yaml:"timer,omitempty"`         // set_timer
	TimerName string         `json:"timerName,omitempty" yaml:"timerName,omitempty"` // cancel_timer

	Level   string `json:"level,omitempty" yaml:"level,omitempty"`     // log
	Message string `json:"message,omitempty" yaml:"message,omitempty"` // log
}

// LookupCache configures result caching for a lookup.
type LookupCache struct {
	// TTL in milliseconds or a duration string. Zero disables caching.
	TTL any `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// Lookup is a data requirement resolved before condition evaluation.
type Lookup struct {
	Name    string       `json:"name" yaml:"name"`
	Service string       `json:"service" yaml:"service"`
	Method  string       `json:"method" yaml:"method"`
	Args    []any        `json:"args,omitempty" yaml:"args,omitempty"`
	Cache   *LookupCache `json:"cache,omitempty" yaml:"cache,omitempty"`
	// OnError is "skip" (default: rule continues, result undefined) or
	// "fail" (rule is skipped).
	OnError string `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// Input is the caller-supplied rule descriptor. The manager validates it and
// turns it into a registered Rule.
type Input struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Group       string      `json:"group,omitempty" yaml:"group,omitempty"`
	Priority    int         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled     *bool       `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Trigger     Trigger     `json:"trigger" yaml:"trigger"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	Lookups     []Lookup    `json:"lookups,omitempty" yaml:"lookups,omitempty"`
}

// Rule is the registered, manager-owned record. Immutable after
// registration; updates replace the record and bump Version.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Group       string      `json:"group,omitempty"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	Tags        []string    `json:"tags,omitempty"`
	Trigger     Trigger     `json:"trigger"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Actions     []Action    `json:"actions"`
	Lookups     []Lookup    `json:"lookups,omitempty"`
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Group gates the rules that reference it. A disabled group deactivates its
// members regardless of their own Enabled flag.
type Group struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// enabledOrDefault resolves the optional Enabled flag; rules default to on.
func (in Input) enabledOrDefault() bool {
	if in.Enabled == nil {
		return true
	}
	return *in.Enabled
}
