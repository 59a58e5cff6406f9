package chaining

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex/noex-rules/internal/facts"
	"github.com/noex/noex-rules/internal/rule"
)

func setFactRule(t *testing.T, m *rule.Manager, id, condKey, condOp string, condVal any, actionKey string, actionVal any) {
	t.Helper()
	in := rule.Input{
		ID:      id,
		Name:    id,
		Trigger: rule.Trigger{Type: rule.TriggerEvent, Topic: "any." + id},
		Actions: []rule.Action{{Type: rule.ActionSetFact, Key: actionKey, Value: actionVal}},
	}
	if condKey != "" {
		in.Conditions = []rule.Condition{{
			Source:   rule.Source{Type: rule.SourceFact, Pattern: condKey},
			Operator: condOp,
			Value:    condVal,
		}}
	}
	_, err := m.Register(in)
	require.NoError(t, err)
}

func TestEvaluate_FactAlreadyExists(t *testing.T) {
	fs := facts.NewStore()
	fs.Set("customer:tier", "vip", "test")
	e := New(rule.NewManager(), fs)

	res := e.Evaluate(Goal{Type: GoalFact, Key: "customer:tier"})
	assert.True(t, res.Achievable)
	assert.Equal(t, NodeFactExists, res.Root.Type)
	assert.Equal(t, "vip", res.Root.CurrentValue)
	assert.Equal(t, 0, res.ExploredRules)

	// A value constraint the live fact violates forces chaining, and with
	// no producing rules the goal is unreachable.
	res = e.Evaluate(Goal{Type: GoalFact, Key: "customer:tier", Value: "gold"})
	assert.False(t, res.Achievable)
	assert.Equal(t, ReasonNoRules, res.Root.Reason)
}

func TestEvaluate_FactChain(t *testing.T) {
	m := rule.NewManager()
	fs := facts.NewStore()
	fs.Set("customer:active", true, "test")

	setFactRule(t, m, "earn-points", "customer:active", rule.OpEq, true, "loyalty:points", 500)
	setFactRule(t, m, "vip-upgrade", "loyalty:points", rule.OpExists, nil, "customer:tier", "vip")

	e := New(m, fs)
	res := e.Evaluate(Goal{Type: GoalFact, Key: "customer:tier"})

	require.True(t, res.Achievable)
	assert.Equal(t, 2, res.ExploredRules)
	assert.False(t, res.MaxDepthReached)

	root := res.Root
	require.Equal(t, NodeRule, root.Type)
	assert.Equal(t, "vip-upgrade", root.RuleID)
	require.Len(t, root.Children, 1)
	child := root.Children[0]
	assert.Equal(t, NodeRule, child.Type)
	assert.Equal(t, "earn-points", child.RuleID)
	assert.True(t, child.Satisfied)
	require.Len(t, root.Conditions, 1)
	assert.True(t, root.Conditions[0].Chained)
}

func TestEvaluate_NoRules(t *testing.T) {
	e := New(rule.NewManager(), facts.NewStore())
	res := e.Evaluate(Goal{Type: GoalFact, Key: "never:set"})
	assert.False(t, res.Achievable)
	assert.Equal(t, ReasonNoRules, res.Root.Reason)
}

func TestEvaluate_MaxDepthZeroFailsEverything(t *testing.T) {
	fs := facts.NewStore()
	fs.Set("present", 1, "test")
	e := New(rule.NewManager(), fs, WithMaxDepth(0))

	res := e.Evaluate(Goal{Type: GoalFact, Key: "present"})
	assert.False(t, res.Achievable, "depth is checked before the base case")
	assert.Equal(t, ReasonMaxDepth, res.Root.Reason)
	assert.True(t, res.MaxDepthReached)
}

func TestEvaluate_CycleDetected(t *testing.T) {
	m := rule.NewManager()
	// a needs b, b needs a.
	setFactRule(t, m, "make-a", "b", rule.OpExists, nil, "a", 1)
	setFactRule(t, m, "make-b", "a", rule.OpExists, nil, "b", 1)

	e := New(m, facts.NewStore())
	res := e.Evaluate(Goal{Type: GoalFact, Key: "a"})
	assert.False(t, res.Achievable)

	// The outer search fails over all paths; the inner repetition of
	// make-a is reported as a cycle.
	root := res.Root
	require.Equal(t, ReasonAllPathsFailed, root.Reason)
	require.Len(t, root.Children, 1)
	ruleNode := root.Children[0]
	require.Len(t, ruleNode.Children, 1)
	inner := ruleNode.Children[0]
	require.Len(t, inner.Children, 1)
	deepest := inner.Children[0].Children[0]
	assert.Equal(t, ReasonCycleDetected, deepest.Reason)
}

func TestEvaluate_EventGoal(t *testing.T) {
	m := rule.NewManager()
	in := rule.Input{
		ID: "alerter", Name: "alerter",
		Trigger: rule.Trigger{Type: rule.TriggerEvent, Topic: "order.flagged"},
		Actions: []rule.Action{{Type: rule.ActionEmitEvent, Topic: "alerts.${kind}"}},
	}
	_, err := m.Register(in)
	require.NoError(t, err)

	e := New(m, facts.NewStore())
	// Placeholder segments in the action topic match any concrete goal.
	res := e.Evaluate(Goal{Type: GoalEvent, Topic: "alerts.fraud"})
	assert.True(t, res.Achievable)
	assert.Equal(t, "alerter", res.Root.RuleID)

	res = e.Evaluate(Goal{Type: GoalEvent, Topic: "digest.daily"})
	assert.False(t, res.Achievable)
}

func TestEvaluate_NonFactConditionsUnsatisfiable(t *testing.T) {
	m := rule.NewManager()
	in := rule.Input{
		ID: "needs-event", Name: "needs-event",
		Trigger: rule.Trigger{Type: rule.TriggerEvent, Topic: "t"},
		Conditions: []rule.Condition{{
			Source:   rule.Source{Type: rule.SourceEvent, Field: "amount"},
			Operator: rule.OpGt,
			Value:    10,
		}},
		Actions: []rule.Action{{Type: rule.ActionSetFact, Key: "flagged", Value: true}},
	}
	_, err := m.Register(in)
	require.NoError(t, err)

	e := New(m, facts.NewStore())
	res := e.Evaluate(Goal{Type: GoalFact, Key: "flagged"})
	assert.False(t, res.Achievable)
	root := res.Root
	require.Equal(t, ReasonAllPathsFailed, root.Reason)
	require.Len(t, root.Children, 1)
	cond := root.Children[0].Conditions[0]
	assert.False(t, cond.Satisfied)
	assert.False(t, cond.Chained)
}

func TestEvaluate_ExplorationCap(t *testing.T) {
	m := rule.NewManager()
	// Many distinct rules able to produce the goal, none satisfiable.
	for i := 0; i < 10; i++ {
		setFactRule(t, m, fmt.Sprintf("r%02d", i), "missing:dep", rule.OpExists, nil, "goal", 1)
	}

	e := New(m, facts.NewStore(), WithMaxExploredRules(3))
	res := e.Evaluate(Goal{Type: GoalFact, Key: "goal"})
	assert.False(t, res.Achievable)
	assert.Equal(t, 3, res.ExploredRules)
}

func TestEvaluate_DisabledRuleNotConsidered(t *testing.T) {
	m := rule.NewManager()
	enabled := false
	in := rule.Input{
		ID: "off", Name: "off", Enabled: &enabled,
		Trigger: rule.Trigger{Type: rule.TriggerEvent, Topic: "t"},
		Actions: []rule.Action{{Type: rule.ActionSetFact, Key: "goal", Value: 1}},
	}
	_, err := m.Register(in)
	require.NoError(t, err)

	e := New(m, facts.NewStore())
	res := e.Evaluate(Goal{Type: GoalFact, Key: "goal"})
	assert.False(t, res.Achievable)
	assert.Equal(t, ReasonNoRules, res.Root.Reason)
}

func TestOperatorHolds_DocumentIdentity(t *testing.T) {
	doc := map[string]any{"a": 1}
	assert.True(t, operatorHolds(rule.OpEq, doc, true, doc))
	assert.False(t, operatorHolds(rule.OpEq, doc, true, map[string]any{"a": 1}),
		"structurally equal but distinct documents are not equal")
	assert.True(t, operatorHolds(rule.OpNeq, doc, true, map[string]any{"a": 1}))

	arr := []any{1, 2}
	assert.True(t, operatorHolds(rule.OpEq, arr, true, arr))
	assert.False(t, operatorHolds(rule.OpEq, arr, true, []any{1, 2}))

	// Numbers still compare cross-type by value.
	assert.True(t, operatorHolds(rule.OpEq, 1, true, float64(1)))
	assert.True(t, operatorHolds(rule.OpIn, float64(2), true, []any{1, 2, 3}))
}
