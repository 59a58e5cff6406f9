// Package chaining answers "could this fact or event come to exist?" by
// searching backwards through rule actions. The search is read-only: it
// inspects the live fact store and the registered rules but never executes
// anything.
package chaining

import (
	"fmt"

	"github.com/noex/noex-rules/internal/facts"
	"github.com/noex/noex-rules/internal/rule"
)

// Goal kinds.
const (
	GoalFact  = "fact"
	GoalEvent = "event"
)

// Node types in the proof tree.
const (
	NodeFactExists   = "fact_exists"
	NodeRule         = "rule"
	NodeUnachievable = "unachievable"
)

// Unachievable reasons.
const (
	ReasonNoRules        = "no_rules"
	ReasonCycleDetected  = "cycle_detected"
	ReasonMaxDepth       = "max_depth"
	ReasonAllPathsFailed = "all_paths_failed"
)

// Goal is what the caller wants to prove reachable. For fact goals an
// optional Operator and Value constrain the fact's value ("eq" when
// Operator is empty and Value is set).
type Goal struct {
	Type     string `json:"type"`
	Key      string `json:"key,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

func (g Goal) describe() string {
	if g.Type == GoalEvent {
		return "event:" + g.Topic
	}
	return "fact:" + g.Key
}

// ConditionCheck records how one rule condition fared during the search.
type ConditionCheck struct {
	Index     int    `json:"index"`
	Source    string `json:"source"`
	Satisfied bool   `json:"satisfied"`
	Chained   bool   `json:"chained,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Node is one node of the proof tree.
type Node struct {
	Type string `json:"type"`

	// NodeFactExists
	Key          string `json:"key,omitempty"`
	CurrentValue any    `json:"currentValue,omitempty"`

	// NodeRule
	RuleID     string           `json:"ruleId,omitempty"`
	RuleName   string           `json:"ruleName,omitempty"`
	Conditions []ConditionCheck `json:"conditions,omitempty"`
	Children   []*Node          `json:"children,omitempty"`

	// NodeUnachievable
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`

	Satisfied bool `json:"satisfied"`
}

// Result is the outcome of one query.
type Result struct {
	Achievable      bool  `json:"achievable"`
	Root            *Node `json:"root"`
	ExploredRules   int   `json:"exploredRules"`
	MaxDepthReached bool  `json:"maxDepthReached"`
}

const (
	// DefaultMaxDepth bounds recursion per branch.
	DefaultMaxDepth = 10
	// DefaultMaxExploredRules caps rules attempted across a whole query.
	DefaultMaxExploredRules = 100
)

// Engine runs backward-chaining queries against a rule manager and fact
// store.
type Engine struct {
	rules *rule.Manager
	facts *facts.Store

	maxDepth         int
	maxExploredRules int
}

// Option configures the chaining engine.
type Option func(*Engine)

// WithMaxDepth overrides the per-branch depth limit.
func WithMaxDepth(d int) Option {
	return func(e *Engine) { e.maxDepth = d }
}

// WithMaxExploredRules overrides the per-query rule exploration cap.
func WithMaxExploredRules(n int) Option {
	return func(e *Engine) { e.maxExploredRules = n }
}

// New creates a chaining engine over the given rule manager and fact store.
func New(rules *rule.Manager, fs *facts.Store, opts ...Option) *Engine {
	e := &Engine{
		rules:            rules,
		facts:            fs,
		maxDepth:         DefaultMaxDepth,
		maxExploredRules: DefaultMaxExploredRules,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// search carries per-query state: the visited (rule, goal) stack and the
// exploration budget.
type search struct {
	e               *Engine
	visited         map[string]bool
	explored        int
	maxDepthReached bool
}

// Evaluate builds a proof tree for the goal. First satisfying proof wins.
func (e *Engine) Evaluate(goal Goal) Result {
	s := &search{e: e, visited: make(map[string]bool)}
	root := s.prove(goal, 0)
	return Result{
		Achievable:      root.Satisfied,
		Root:            root,
		ExploredRules:   s.explored,
		MaxDepthReached: s.maxDepthReached,
	}
}

// prove resolves one goal at the given depth. The depth limit is checked
// before any fact or rule lookup, so maxDepth=0 fails every goal,
// including trivially true ones.
func (s *search) prove(goal Goal, depth int) *Node {
	if depth >= s.e.maxDepth {
		s.maxDepthReached = true
		return &Node{Type: NodeUnachievable, Reason: ReasonMaxDepth}
	}

	if goal.Type == GoalFact {
		if v, ok := s.e.facts.Get(goal.Key); ok && goalValueSatisfied(goal, v) {
			return &Node{
				Type:         NodeFactExists,
				Key:          goal.Key,
				CurrentValue: v,
				Satisfied:    true,
			}
		}
	}

	var candidates []*rule.Rule
	if goal.Type == GoalEvent {
		candidates = s.e.rules.RulesEmittingEvent(goal.Topic)
	} else {
		candidates = s.e.rules.RulesSettingFact(goal.Key)
	}
	if len(candidates) == 0 {
		return &Node{Type: NodeUnachievable, Reason: ReasonNoRules}
	}

	var children []*Node
	skippedCycles := 0
	for _, r := range candidates {
		if s.explored >= s.e.maxExploredRules {
			children = append(children, &Node{
				Type:    NodeUnachievable,
				Reason:  ReasonAllPathsFailed,
				Details: fmt.Sprintf("exploration limit of %d rules reached", s.e.maxExploredRules),
			})
			break
		}
		key := r.ID + "|" + goal.describe()
		if s.visited[key] {
			skippedCycles++
			continue
		}
		s.visited[key] = true
		s.explored++
		node := s.proveRule(r, depth)
		s.visited[key] = false

		if node.Satisfied {
			return node
		}
		children = append(children, node)
	}

	if len(children) == 0 && skippedCycles > 0 {
		return &Node{Type: NodeUnachievable, Reason: ReasonCycleDetected}
	}
	return &Node{
		Type:     NodeUnachievable,
		Reason:   ReasonAllPathsFailed,
		Children: children,
	}
}

// proveRule checks whether a rule's conditions hold now or could be made to
// hold by further chaining.
func (s *search) proveRule(r *rule.Rule, depth int) *Node {
	node := &Node{Type: NodeRule, RuleID: r.ID, RuleName: r.Name, Satisfied: true}

	for i, c := range r.Conditions {
		check := ConditionCheck{Index: i, Source: c.Source.Type}

		// Only fact conditions can be reasoned about statically; every
		// other source needs a live trigger context the query lacks.
		if c.Source.Type != rule.SourceFact {
			check.Satisfied = false
			check.Reason = "non-fact source is unsatisfiable without a trigger"
			node.Conditions = append(node.Conditions, check)
			node.Satisfied = false
			continue
		}

		actual, found := s.e.facts.Get(c.Source.Pattern)
		if found && operatorHolds(c.Operator, actual, true, c.Value) {
			check.Satisfied = true
			node.Conditions = append(node.Conditions, check)
			continue
		}
		if !found && c.Operator == rule.OpNotExists {
			check.Satisfied = true
			node.Conditions = append(node.Conditions, check)
			continue
		}

		// The fact is absent or wrong: chain it as a sub-goal.
		sub := s.prove(Goal{
			Type:     GoalFact,
			Key:      c.Source.Pattern,
			Operator: c.Operator,
			Value:    c.Value,
		}, depth+1)
		node.Children = append(node.Children, sub)
		check.Chained = true
		check.Satisfied = sub.Satisfied
		node.Conditions = append(node.Conditions, check)
		if !sub.Satisfied {
			node.Satisfied = false
		}
	}
	return node
}

func goalValueSatisfied(g Goal, actual any) bool {
	if g.Value == nil && g.Operator == "" {
		return true
	}
	op := g.Operator
	if op == "" {
		op = rule.OpEq
	}
	return operatorHolds(op, actual, true, g.Value)
}
