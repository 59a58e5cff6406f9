package engine

import (
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/value"
)

// conditionResult is the per-condition record consumed by the tracer and
// the profiler.
type conditionResult struct {
	Index      int
	Expected   any
	Actual     any
	Passed     bool
	DurationMs float64
}

// evaluateConditions runs a rule's conditions in order with short-circuit
// AND semantics: the first failing condition stops evaluation. All produced
// results are returned, including the failing one.
func evaluateConditions(conds []rule.Condition, ctx *evalContext) (bool, []conditionResult) {
	results := make([]conditionResult, 0, len(conds))
	for i, c := range conds {
		start := time.Now()
		passed := evaluateCondition(c, ctx)
		expected, _ := resolveValue(c.Value, ctx)
		actual, _ := resolveSource(c.Source, ctx)
		results = append(results, conditionResult{
			Index:      i,
			Expected:   expected,
			Actual:     actual,
			Passed:     passed,
			DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
		})
		if !passed {
			return false, results
		}
	}
	return true, results
}

func evaluateCondition(c rule.Condition, ctx *evalContext) bool {
	actual, found := resolveSource(c.Source, ctx)

	switch c.Operator {
	case rule.OpExists:
		return found
	case rule.OpNotExists:
		return !found
	}

	expected, expFound := resolveValue(c.Value, ctx)
	if !expFound {
		return false
	}
	return applyOperator(c.Operator, actual, found, expected)
}

// resolveSource reads the condition's left-hand side from the context.
func resolveSource(s rule.Source, ctx *evalContext) (any, bool) {
	switch s.Type {
	case rule.SourceFact:
		key, err := value.InterpolateString(s.Pattern, ctx.Resolve)
		if err != nil || ctx.Facts == nil {
			return nil, false
		}
		return ctx.Facts.Get(key)
	case rule.SourceEvent:
		if ctx.Event == nil {
			return nil, false
		}
		return value.PathGet(ctx.Event.Data, s.Field)
	case rule.SourceContext:
		return value.PathGet(ctx.Vars, s.Key)
	case rule.SourceLookup:
		res, ok := ctx.Lookups[s.Name]
		if !ok {
			return nil, false
		}
		if s.Field == "" {
			return res, true
		}
		return value.PathGet(res, s.Field)
	case rule.SourceBaseline:
		if ctx.Baseline == nil {
			return nil, false
		}
		return ctx.Baseline(s.Metric)
	default:
		return nil, false
	}
}

// resolveValue resolves the condition's right-hand side: refs and templates
// against the context, literals pass through.
func resolveValue(v any, ctx *evalContext) (any, bool) {
	resolved, err := value.ResolveTemplates(v, ctx.Resolve)
	if err != nil {
		return nil, false
	}
	return resolved, true
}

func applyOperator(op string, actual any, found bool, expected any) bool {
	switch op {
	case rule.OpEq:
		return found && looseEqual(actual, expected)
	case rule.OpNeq:
		return !found || !looseEqual(actual, expected)
	case rule.OpGt, rule.OpGte, rule.OpLt, rule.OpLte:
		a, aok := value.ToNumber(actual)
		b, bok := value.ToNumber(expected)
		if !found || !aok || !bok {
			return false
		}
		switch op {
		case rule.OpGt:
			return a > b
		case rule.OpGte:
			return a >= b
		case rule.OpLt:
			return a < b
		default:
			return a <= b
		}
	case rule.OpIn, rule.OpNotIn:
		arr, ok := expected.([]any)
		if !ok {
			// Fail closed: a non-array membership set satisfies neither.
			return false
		}
		member := false
		for _, e := range arr {
			if looseEqual(actual, e) {
				member = true
				break
			}
		}
		if op == rule.OpIn {
			return found && member
		}
		return !found || !member
	case rule.OpContains, rule.OpNotContains:
		has := contains(actual, expected)
		if op == rule.OpContains {
			return found && has
		}
		return !found || !has
	case rule.OpMatches:
		pat, ok := expected.(string)
		s, sok := actual.(string)
		if !found || !ok || !sok {
			return false
		}
		re, err := compiledRegex(pat)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// looseEqual compares numbers cross-type by value and other scalars with
// ==. Maps and slices compare by reference identity, not structure: two
// separately built but equal-looking documents are not equal.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, aok := value.ToNumber(a); aok {
		bn, bok := value.ToNumber(b)
		return bok && an == bn
	}
	if _, bok := value.ToNumber(b); bok {
		return false
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	switch av.Kind() {
	case reflect.Map, reflect.Slice:
		if bv.Kind() != av.Kind() {
			return false
		}
		if av.Kind() == reflect.Slice && av.Len() != bv.Len() {
			return false
		}
		return av.Pointer() == bv.Pointer()
	}
	if !av.Comparable() || !bv.Comparable() {
		return false
	}
	return a == b
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, e := range h {
			if looseEqual(e, needle) {
				return true
			}
		}
	}
	return false
}

var (
	regexMu    sync.Mutex
	regexCache = map[string]*regexp.Regexp{}
)

// compiledRegex caches compiled `matches` patterns.
func compiledRegex(pat string) (*regexp.Regexp, error) {
	regexMu.Lock()
	defer regexMu.Unlock()
	if re, ok := regexCache[pat]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, err
	}
	regexCache[pat] = re
	return re, nil
}
