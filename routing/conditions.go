package routing

import (
	"regexp"
	"strings"
	"time"
)

// Limits for regex condition evaluation. Patterns are screened for
// nested-quantifier constructs before compiling and inputs are length
// capped; anything rejected fails closed (the condition does not match).
const (
	maxPatternLen = 256
	maxInputLen   = 1024
)

// EvalConditions reports whether every condition passes against the
// section metadata. An empty condition list always passes. Unknown
// operators and malformed conditions fail closed.
func EvalConditions(conds []Condition, meta map[string]string) bool {
	for _, c := range conds {
		if !evalCondition(c, meta) {
			return false
		}
	}
	return true
}

func evalCondition(c Condition, meta map[string]string) bool {
	val, ok := meta[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return val == c.Value
	case OpMatches:
		return safeMatch(c.Value, val)
	case OpIn:
		return inSet(c.Values, val)
	case OpNotIn:
		return !inSet(c.Values, val)
	case OpDateBetween:
		return dateBetween(c.Values, val)
	default:
		return false
	}
}

func inSet(set []string, val string) bool {
	for _, s := range set {
		if s == val {
			return true
		}
	}
	return false
}

// safeMatch compiles and applies a regex pattern defensively. Patterns
// containing nested-quantifier constructs (e.g. "(a+)+") are rejected
// before compiling, and overlong patterns or inputs fail closed.
func safeMatch(pattern, input string) bool {
	if len(pattern) == 0 || len(pattern) > maxPatternLen || len(input) > maxInputLen {
		return false
	}
	if hasNestedQuantifier(pattern) {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(input)
}

// hasNestedQuantifier detects a quantifier applied to a group that itself
// contains a quantifier, the classic catastrophic-backtracking shape.
func hasNestedQuantifier(pattern string) bool {
	// Stack of "this group contains a quantifier" flags.
	var stack []bool
	// Set when a group containing a quantifier was just closed.
	justClosedQuantGroup := false

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '\\':
			i++ // skip escaped char
			justClosedQuantGroup = false
		case '(':
			stack = append(stack, false)
			justClosedQuantGroup = false
		case ')':
			if len(stack) == 0 {
				return true // unbalanced, reject
			}
			had := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			// A quantified inner group makes the outer group quantified too.
			if had && len(stack) > 0 {
				stack[len(stack)-1] = true
			}
			justClosedQuantGroup = had
		case '*', '+', '{':
			if justClosedQuantGroup {
				return true
			}
			if len(stack) > 0 {
				stack[len(stack)-1] = true
			}
			justClosedQuantGroup = false
		default:
			justClosedQuantGroup = false
		}
	}
	return false
}

// dateBetween checks that val falls within [bounds[0], bounds[1]].
// Values parse as RFC 3339 or date-only; malformed bounds or values fail
// closed.
func dateBetween(bounds []string, val string) bool {
	if len(bounds) != 2 {
		return false
	}
	start, ok1 := parseDate(bounds[0])
	end, ok2 := parseDate(bounds[1])
	v, ok3 := parseDate(val)
	if !ok1 || !ok2 || !ok3 {
		return false
	}
	return !v.Before(start) && !v.After(end)
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
