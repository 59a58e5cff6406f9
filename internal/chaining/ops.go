package chaining

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/value"
)

// operatorHolds applies a condition operator to a live fact value. The
// semantics match the forward evaluator: numeric comparisons require
// numbers on both sides, membership sets must be arrays, and absent values
// fail everything except not_exists.
func operatorHolds(op string, actual any, found bool, expected any) bool {
	switch op {
	case rule.OpExists:
		return found
	case rule.OpNotExists:
		return !found
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
		has := false
		switch h := actual.(type) {
		case string:
			n, ok := expected.(string)
			has = ok && strings.Contains(h, n)
		case []any:
			for _, e := range h {
				if looseEqual(e, expected) {
					has = true
					break
				}
			}
		}
		if op == rule.OpContains {
			return found && has
		}
		return !found || !has
	case rule.OpMatches:
		pat, pok := expected.(string)
		s, sok := actual.(string)
		if !found || !pok || !sok {
			return false
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// looseEqual mirrors the forward evaluator: numbers compare cross-type by
// value, maps and slices by reference identity, remaining scalars with ==.
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
