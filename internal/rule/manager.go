package rule

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/pattern"
)

var placeholderRe = regexp.MustCompile(`\$\{[^}]*\}`)

// Manager owns the canonical rule table, the dispatch indexes, and the rule
// groups. All methods are safe for concurrent use; a deregistration is atomic
// with respect to lookups (no lookup observes a partially removed rule).
type Manager struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	groups map[string]*Group

	// Forward indexes, keyed by the trigger's pattern text.
	byEventTopic map[string]map[string]struct{}
	byFactKey    map[string]map[string]struct{}
	byTimerName  map[string]map[string]struct{}
	temporal     map[string]struct{}

	// Reverse indexes for backward chaining, keyed by action key/topic text
	// (which may contain ${...} placeholders).
	byFactAction  map[string]map[string]struct{}
	byEventAction map[string]map[string]struct{}

	now func() time.Time
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		rules:         make(map[string]*Rule),
		groups:        make(map[string]*Group),
		byEventTopic:  make(map[string]map[string]struct{}),
		byFactKey:     make(map[string]map[string]struct{}),
		byTimerName:   make(map[string]map[string]struct{}),
		temporal:      make(map[string]struct{}),
		byFactAction:  make(map[string]map[string]struct{}),
		byEventAction: make(map[string]map[string]struct{}),
		now:           time.Now,
	}
}

// Register validates and inserts a new rule. A duplicate id fails with
// ConflictError; use Upsert to replace.
func (m *Manager) Register(in Input) (*Rule, error) {
	return m.register(in, false)
}

// Upsert registers the rule, replacing any existing rule with the same id.
// A replaced rule keeps its createdAt and bumps version and updatedAt.
func (m *Manager) Upsert(in Input) (*Rule, error) {
	return m.register(in, true)
}

func (m *Manager) register(in Input, upsert bool) (*Rule, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.rules[in.ID]
	if exists && !upsert {
		return nil, &ConflictError{Kind: "rule", ID: in.ID}
	}

	now := m.now()
	r := &Rule{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Group:       in.Group,
		Priority:    in.Priority,
		Enabled:     in.enabledOrDefault(),
		Tags:        slices.Clone(in.Tags),
		Trigger:     in.Trigger,
		Conditions:  slices.Clone(in.Conditions),
		Actions:     slices.Clone(in.Actions),
		Lookups:     slices.Clone(in.Lookups),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if exists {
		m.unindexLocked(prev)
		r.Version = prev.Version + 1
		r.CreatedAt = prev.CreatedAt
	}
	m.rules[r.ID] = r
	m.indexLocked(r)
	return r, nil
}

// Unregister removes a rule from the primary table and every index.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return false
	}
	m.unindexLocked(r)
	delete(m.rules, id)
	return true
}

// Get returns the rule with the given id.
func (m *Manager) Get(id string) (*Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	return r, ok
}

// GetAll returns every registered rule in deterministic candidate order.
func (m *Manager) GetAll() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sortCandidates(out)
	return out
}

// GetByTag returns active rules carrying the tag.
func (m *Manager) GetByTag(tag string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rule
	for _, r := range m.rules {
		if slices.Contains(r.Tags, tag) && m.isActiveLocked(r) {
			out = append(out, r)
		}
	}
	sortCandidates(out)
	return out
}

// Size returns the number of registered rules.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// CandidatesForEvent returns active rules whose event trigger matches topic,
// in deterministic order: priority descending, then createdAt, then id.
func (m *Manager) CandidatesForEvent(topic string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byEventTopic, topic, pattern.MatchTopic)
}

// CandidatesForFact returns active rules whose fact trigger matches key.
func (m *Manager) CandidatesForFact(key string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byFactKey, key, pattern.MatchKey)
}

// CandidatesForTimer returns active rules whose timer trigger matches name.
func (m *Manager) CandidatesForTimer(name string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byTimerName, name, pattern.MatchKey)
}

// TemporalRules returns every active temporal rule.
func (m *Manager) TemporalRules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rule
	for id := range m.temporal {
		if r := m.rules[id]; r != nil && m.isActiveLocked(r) {
			out = append(out, r)
		}
	}
	sortCandidates(out)
	return out
}

// RulesSettingFact returns active rules with a set_fact action whose key
// could produce the given fact key. ${...} placeholders in the action key
// match any value in that position.
func (m *Manager) RulesSettingFact(key string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectReverseLocked(m.byFactAction, key, ':')
}

// RulesEmittingEvent returns active rules with an emit_event action whose
// topic could produce the given topic.
func (m *Manager) RulesEmittingEvent(topic string) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectReverseLocked(m.byEventAction, topic, '.')
}

// CreateGroup registers a new rule group.
func (m *Manager) CreateGroup(g Group) (*Group, error) {
	if g.ID == "" {
		return nil, &ValidationError{Field: "group.id", Reason: "required"}
	}
	if g.Name == "" {
		return nil, &ValidationError{Field: "group.name", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return nil, &ConflictError{Kind: "group", ID: g.ID}
	}
	now := m.now()
	g.CreatedAt = now
	g.UpdatedAt = now
	m.groups[g.ID] = &g
	return &g, nil
}

// UpdateGroup replaces a group's name, description, and enabled flag,
// keeping its CreatedAt.
func (m *Manager) UpdateGroup(g Group) (*Group, error) {
	if g.Name == "" {
		return nil, &ValidationError{Field: "group.name", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.groups[g.ID]
	if !ok {
		return nil, &NotFoundError{Kind: "group", ID: g.ID}
	}
	g.CreatedAt = prev.CreatedAt
	g.UpdatedAt = m.now()
	m.groups[g.ID] = &g
	return &g, nil
}

// SetGroupEnabled flips a group's gate, deactivating or reactivating every
// rule that references it.
func (m *Manager) SetGroupEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return &NotFoundError{Kind: "group", ID: id}
	}
	g.Enabled = enabled
	g.UpdatedAt = m.now()
	return nil
}

// DeleteGroup removes a group. Rules referencing it become ungated.
func (m *Manager) DeleteGroup(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return false
	}
	delete(m.groups, id)
	return true
}

// GetGroup returns the group with the given id.
func (m *Manager) GetGroup(id string) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok
}

// GetGroups returns all groups sorted by id.
func (m *Manager) GetGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *Group) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// IsRuleActive reports whether a rule would be considered for dispatch:
// its own Enabled flag is set and, if it names an existing group, that group
// is enabled. A dangling group reference is treated as no group.
func (m *Manager) IsRuleActive(r *Rule) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isActiveLocked(r)
}

func (m *Manager) isActiveLocked(r *Rule) bool {
	if !r.Enabled {
		return false
	}
	if r.Group == "" {
		return true
	}
	g, ok := m.groups[r.Group]
	if !ok {
		return true
	}
	return g.Enabled
}

func (m *Manager) collectLocked(idx map[string]map[string]struct{}, subject string, match func(subject, pat string) bool) []*Rule {
	var out []*Rule
	for pat, ids := range idx {
		if !match(subject, pat) {
			continue
		}
		for id := range ids {
			if r := m.rules[id]; r != nil && m.isActiveLocked(r) {
				out = append(out, r)
			}
		}
	}
	sortCandidates(out)
	return out
}

func (m *Manager) collectReverseLocked(idx map[string]map[string]struct{}, subject string, sep byte) []*Rule {
	var out []*Rule
	seen := make(map[string]struct{})
	for key, ids := range idx {
		if !actionKeyMatches(key, subject, sep) {
			continue
		}
		for id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			if r := m.rules[id]; r != nil && m.isActiveLocked(r) {
				out = append(out, r)
				seen[id] = struct{}{}
			}
		}
	}
	sortCandidates(out)
	return out
}

func (m *Manager) indexLocked(r *Rule) {
	switch r.Trigger.Type {
	case TriggerEvent:
		addIndex(m.byEventTopic, r.Trigger.Topic, r.ID)
	case TriggerFact:
		addIndex(m.byFactKey, r.Trigger.Pattern, r.ID)
	case TriggerTimer:
		addIndex(m.byTimerName, r.Trigger.Timer, r.ID)
	case TriggerTemporal:
		m.temporal[r.ID] = struct{}{}
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionSetFact:
			addIndex(m.byFactAction, a.Key, r.ID)
		case ActionEmitEvent:
			addIndex(m.byEventAction, a.Topic, r.ID)
		}
	}
}

func (m *Manager) unindexLocked(r *Rule) {
	switch r.Trigger.Type {
	case TriggerEvent:
		dropIndex(m.byEventTopic, r.Trigger.Topic, r.ID)
	case TriggerFact:
		dropIndex(m.byFactKey, r.Trigger.Pattern, r.ID)
	case TriggerTimer:
		dropIndex(m.byTimerName, r.Trigger.Timer, r.ID)
	case TriggerTemporal:
		delete(m.temporal, r.ID)
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionSetFact:
			dropIndex(m.byFactAction, a.Key, r.ID)
		case ActionEmitEvent:
			dropIndex(m.byEventAction, a.Topic, r.ID)
		}
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// sortCandidates orders rules by priority descending, then createdAt
// ascending, then id ascending.
func sortCandidates(rs []*Rule) {
	slices.SortFunc(rs, func(a, b *Rule) int {
		if a.Priority != b.Priority {
			if a.Priority > b.Priority {
				return -1
			}
			return 1
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.Before(b.CreatedAt) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// actionKeyMatches reports whether an action's key or topic could produce
// the concrete subject. ${...} placeholders match anything in their
// position; explicit wildcards keep their pattern meaning.
func actionKeyMatches(actionKey, subject string, sep byte) bool {
	resolved := placeholderRe.ReplaceAllString(actionKey, "*")
	if !strings.Contains(resolved, "*") {
		return resolved == subject
	}
	return pattern.Match(subject, resolved, sep)
}
