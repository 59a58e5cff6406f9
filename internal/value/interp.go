package value

import (
	"fmt"
	"strings"
)

// ErrUnresolved reports a reference that did not resolve during
// interpolation or ref expansion.
type ErrUnresolved struct {
	Path string
}

func (e *ErrUnresolved) Error() string {
	return fmt.Sprintf("reference %q did not resolve", e.Path)
}

// Interpolate expands every `${path}` occurrence in s using the resolver.
// A string consisting of a single reference and nothing else returns the
// referenced value with its type preserved; mixed strings stringify each
// expansion. Unresolved references return *ErrUnresolved.
func Interpolate(s string, resolve Resolver) (any, error) {
	start := strings.Index(s, "${")
	if start < 0 {
		return s, nil
	}

	// Whole-string reference keeps the live value's type.
	if start == 0 && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		path := s[2 : len(s)-1]
		v, ok := resolve(path)
		if !ok {
			return nil, &ErrUnresolved{Path: path}
		}
		return v, nil
	}

	var b strings.Builder
	rest := s
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		rest = rest[i+2:]
		j := strings.Index(rest, "}")
		if j < 0 {
			// Unterminated reference is treated as literal text.
			b.WriteString("${")
			b.WriteString(rest)
			return b.String(), nil
		}
		path := rest[:j]
		v, ok := resolve(path)
		if !ok {
			return nil, &ErrUnresolved{Path: path}
		}
		b.WriteString(Stringify(v))
		rest = rest[j+1:]
	}
}

// ResolveTemplates walks v and expands ref objects and `${...}` strings
// against the resolver. Maps and slices are copied; other values pass
// through unchanged.
func ResolveTemplates(v any, resolve Resolver) (any, error) {
	if path, ok := AsRef(v); ok {
		rv, found := resolve(path)
		if !found {
			return nil, &ErrUnresolved{Path: path}
		}
		return rv, nil
	}

	switch t := v.(type) {
	case string:
		return Interpolate(t, resolve)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, mv := range t {
			rv, err := ResolveTemplates(mv, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, ev := range t {
			rv, err := ResolveTemplates(ev, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateString is Interpolate constrained to a string result.
func InterpolateString(s string, resolve Resolver) (string, error) {
	v, err := Interpolate(s, resolve)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}
