// Package pattern implements wildcard matching for event topics, fact keys,
// and timer names.
//
// Grammar:
//   - `*`  matches exactly one segment
//   - `**` matches one or more segments
//   - everything else matches literally
//
// Topics use `.` as the segment separator; fact keys and timer names use `:`.
// A pattern with no wildcard is an exact string match. Wildcard patterns are
// compiled to anchored regular expressions and cached; the cache is purgeable.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// Separators recognized by the matchers.
const (
	TopicSep = '.'
	KeySep   = ':'
)

var cache = struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

// MatchTopic reports whether topic matches pat using `.` as separator.
func MatchTopic(topic, pat string) bool {
	return Match(topic, pat, TopicSep)
}

// MatchKey reports whether a fact key or timer name matches pat using `:`
// as separator.
func MatchKey(key, pat string) bool {
	return Match(key, pat, KeySep)
}

// Match reports whether s matches pat with the given segment separator.
// Patterns that fail to compile match nothing.
func Match(s, pat string, sep byte) bool {
	if !HasWildcard(pat) {
		return s == pat
	}
	re, err := Compiled(pat, sep)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// HasWildcard reports whether pat contains a `*` wildcard.
func HasWildcard(pat string) bool {
	return strings.ContainsRune(pat, '*')
}

// Compiled returns the cached compiled regular expression for pat.
func Compiled(pat string, sep byte) (*regexp.Regexp, error) {
	cacheKey := string(sep) + pat

	cache.mu.RLock()
	re, ok := cache.m[cacheKey]
	cache.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(Compile(pat, sep))
	if err != nil {
		return nil, err
	}

	cache.mu.Lock()
	cache.m[cacheKey] = re
	cache.mu.Unlock()
	return re, nil
}

// Compile translates pat into the canonical anchored regular expression
// source. Exposed so callers can verify the canonical compilation.
func Compile(pat string, sep byte) string {
	sepQuoted := regexp.QuoteMeta(string(sep))
	segments := strings.Split(pat, string(sep))

	var b strings.Builder
	b.WriteByte('^')
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(sepQuoted)
		}
		switch seg {
		case "**":
			// One or more whole segments, separators included.
			b.WriteString("[^" + sepQuoted + "]+(?:" + sepQuoted + "[^" + sepQuoted + "]+)*")
		case "*":
			b.WriteString("[^" + sepQuoted + "]+")
		default:
			// A `*` embedded in a literal segment matches within the segment.
			if strings.ContainsRune(seg, '*') {
				parts := strings.Split(seg, "*")
				for j, p := range parts {
					if j > 0 {
						b.WriteString("[^" + sepQuoted + "]*")
					}
					b.WriteString(regexp.QuoteMeta(p))
				}
			} else {
				b.WriteString(regexp.QuoteMeta(seg))
			}
		}
	}
	b.WriteByte('$')
	return b.String()
}

// Purge empties the compiled-pattern cache.
func Purge() {
	cache.mu.Lock()
	cache.m = make(map[string]*regexp.Regexp)
	cache.mu.Unlock()
}

// CacheSize returns the number of cached compiled patterns.
// Used for testing and introspection.
func CacheSize() int {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.m)
}
