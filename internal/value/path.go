// Package value implements the dynamic value model shared by conditions,
// actions, and lookups: dot-path traversal into open JSON-like documents,
// `ref` objects and `${...}` string interpolation resolved through a single
// resolver, and canonical JSON serialization for cache keys and rule hashes.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Resolver resolves a dotted reference path (e.g. "event.data.amount")
// against an evaluation context. The second return is false when the path
// does not resolve to a value.
type Resolver func(path string) (any, bool)

// PathGet traverses v by dot notation. Traversal through a non-object yields
// (nil, false). An empty path returns v itself.
func PathGet(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// AsRef reports whether v is a `ref` object ({"ref": "some.path"}) and
// returns the reference path.
func AsRef(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	p, ok := m["ref"].(string)
	return p, ok
}

// Ref constructs a ref object for the given path.
func Ref(path string) map[string]any {
	return map[string]any{"ref": path}
}

// Stringify converts a resolved value to its interpolated string form.
// Numbers stringify without locale formatting; nil becomes the empty string.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(s)
	case float32:
		return formatNumber(float64(s))
	case int:
		return fmt.Sprintf("%d", s)
	case int64:
		return fmt.Sprintf("%d", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatNumber renders a float the way JSON would: integral values
// without a fractional part, everything else in the shortest round-trip
// form.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ToNumber coerces a value to float64 for numeric comparison.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
