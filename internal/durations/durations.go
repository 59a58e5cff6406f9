// Package durations parses the duration grammar used by timers and temporal
// windows: "Ns", "Nm", "Nh", "Nd" where N is a positive integer, or a bare
// number of milliseconds. Negative or malformed values fail closed.
package durations

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Parse accepts the dynamic duration forms that appear in rule definitions:
// an integer or float number of milliseconds, or a duration string.
func Parse(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return ParseString(d)
	case int:
		return fromMillis(float64(d))
	case int64:
		return fromMillis(float64(d))
	case float64:
		return fromMillis(d)
	case time.Duration:
		if d <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %v", d)
		}
		return d, nil
	case nil:
		return 0, fmt.Errorf("duration is required")
	default:
		return 0, fmt.Errorf("unsupported duration type %T", v)
	}
}

// ParseString parses "5s", "10m", "1h", "2d", or a bare millisecond count.
func ParseString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := time.Millisecond
	digits := s
	switch {
	case strings.HasSuffix(s, "ms"):
		digits = s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit, digits = time.Second, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit, digits = time.Minute, s[:len(s)-1]
	case strings.HasSuffix(s, "h"):
		unit, digits = time.Hour, s[:len(s)-1]
	case strings.HasSuffix(s, "d"):
		unit, digits = 24*time.Hour, s[:len(s)-1]
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return time.Duration(n) * unit, nil
}

// Millis converts a duration to integer milliseconds.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func fromMillis(ms float64) (time.Duration, error) {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, fmt.Errorf("duration must be a positive number of milliseconds, got %v", ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
