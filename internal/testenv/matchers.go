package testenv

import (
	"fmt"
	"reflect"
	"strings"
)

// matcher is a pure function of (actual, expected), returning whether it
// holds and a human-readable failure message for the non-negated case
// (spec §9 "each matcher is a pure function of (actual, expected?,
// flags)" — negation itself is handled once, by the caller, rather than
// duplicated into every matcher).
type matcher func(actual, expected any) (bool, string)

var matchers = map[string]matcher{
	"toBe":            toBe,
	"toEqual":         toEqual,
	"toBeTruthy":      toBeTruthy,
	"toBeFalsy":       toBeFalsy,
	"toBeNull":        toBeNull,
	"toBeUndefined":   toBeUndefined,
	"toBeDefined":     toBeDefined,
	"toContain":       toContain,
	"toHaveLength":    toHaveLength,
	"toBeGreaterThan": toBeGreaterThan,
	"toBeLessThan":    toBeLessThan,
	"toBeCloseTo":     toBeCloseTo,
}

func toBe(actual, expected any) (bool, string) {
	return actual == expected, fmt.Sprintf("expected %v to be %v", actual, expected)
}

func toEqual(actual, expected any) (bool, string) {
	return reflect.DeepEqual(actual, expected), fmt.Sprintf("expected %v to equal %v", actual, expected)
}

func toBeTruthy(actual, _ any) (bool, string) {
	return isTruthy(actual), fmt.Sprintf("expected %v to be truthy", actual)
}

func toBeFalsy(actual, _ any) (bool, string) {
	return !isTruthy(actual), fmt.Sprintf("expected %v to be falsy", actual)
}

func toBeNull(actual, _ any) (bool, string) {
	return actual == nil, fmt.Sprintf("expected %v to be null", actual)
}

func toBeUndefined(actual, _ any) (bool, string) {
	return actual == nil, fmt.Sprintf("expected %v to be undefined", actual)
}

func toBeDefined(actual, _ any) (bool, string) {
	return actual != nil, "expected value to be defined"
}

func toContain(actual, expected any) (bool, string) {
	msg := fmt.Sprintf("expected %v to contain %v", actual, expected)
	switch a := actual.(type) {
	case string:
		s, ok := expected.(string)
		if !ok {
			return false, msg
		}
		return strings.Contains(a, s), msg
	case []any:
		for _, elem := range a {
			if reflect.DeepEqual(elem, expected) {
				return true, msg
			}
		}
		return false, msg
	default:
		return false, msg
	}
}

func toHaveLength(actual, expected any) (bool, string) {
	n, ok := length(actual)
	want, wantOk := toFloat(expected)
	msg := fmt.Sprintf("expected %v to have length %v", actual, expected)
	if !ok || !wantOk {
		return false, msg
	}
	return float64(n) == want, msg
}

func toBeGreaterThan(actual, expected any) (bool, string) {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	msg := fmt.Sprintf("expected %v to be greater than %v", actual, expected)
	return aok && bok && a > b, msg
}

func toBeLessThan(actual, expected any) (bool, string) {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	msg := fmt.Sprintf("expected %v to be less than %v", actual, expected)
	return aok && bok && a < b, msg
}

func toBeCloseTo(actual, expected any) (bool, string) {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	msg := fmt.Sprintf("expected %v to be close to %v", actual, expected)
	if !aok || !bok {
		return false, msg
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.001, msg
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func length(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		return len([]rune(t)), true
	case []any:
		return len(t), true
	default:
		return 0, false
	}
}
