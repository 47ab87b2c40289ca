package engine

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/lumenlabs/autorun/internal/models"
)

// Guard operators. Several carry a short alias kept for compatibility with
// existing rule definitions.
const (
	OpEquals        = "equals"
	OpEq            = "eq"
	OpNotEquals     = "not_equals"
	OpNe            = "ne"
	OpGte           = "gte"
	OpLte           = "lte"
	OpGt            = "gt"
	OpLt            = "lt"
	OpNot           = "not"
	OpPatternActive = "pattern_active"
)

// GuardOutcome is the result of evaluating a rule's guard list.
type GuardOutcome struct {
	Passed bool
	Reason string
}

// EvaluateGuards evaluates an AND-combined guard list against the context,
// short-circuiting on the first failing guard. An empty list passes.
//
// Guard evaluation is fail-open: a panic anywhere in the set is treated as
// pass. Guard infrastructure failures must not silently block legitimate
// automations; this is the deliberate opposite of trigger matching, which
// fails closed.
func EvaluateGuards(guards []models.Guard, evalCtx map[string]interface{}) (outcome GuardOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: guard evaluation panicked, failing open: %v", r)
			outcome = GuardOutcome{Passed: true, Reason: "guard evaluation error (fail-open)"}
		}
	}()

	if len(guards) == 0 {
		return GuardOutcome{Passed: true}
	}

	for i, guard := range guards {
		if evaluateGuard(&guard, evalCtx) {
			continue
		}
		return GuardOutcome{
			Passed: false,
			Reason: fmt.Sprintf("guard %d failed: %s %s", i, guard.Operator, guard.Path),
		}
	}
	return GuardOutcome{Passed: true}
}

// evaluateGuard evaluates one guard, applying Negate after the operator.
func evaluateGuard(guard *models.Guard, evalCtx map[string]interface{}) bool {
	result := applyOperator(guard, evalCtx)
	if guard.Negate {
		return !result
	}
	return result
}

func applyOperator(guard *models.Guard, evalCtx map[string]interface{}) bool {
	switch guard.Operator {
	case OpEquals, OpEq:
		return looseEqual(lookupPath(evalCtx, guard.Path), guard.Value)
	case OpNotEquals, OpNe:
		return !looseEqual(lookupPath(evalCtx, guard.Path), guard.Value)
	case OpGte:
		return compareNumeric(lookupPath(evalCtx, guard.Path), guard.Value, func(c int) bool { return c >= 0 })
	case OpLte:
		return compareNumeric(lookupPath(evalCtx, guard.Path), guard.Value, func(c int) bool { return c <= 0 })
	case OpGt:
		return compareNumeric(lookupPath(evalCtx, guard.Path), guard.Value, func(c int) bool { return c > 0 })
	case OpLt:
		return compareNumeric(lookupPath(evalCtx, guard.Path), guard.Value, func(c int) bool { return c < 0 })
	case OpNot:
		if guard.Guard == nil {
			// Malformed composite; fail open.
			return true
		}
		return !evaluateGuard(guard.Guard, evalCtx)
	case OpPatternActive:
		return patternActive(evalCtx, guard.Value)
	default:
		// Unknown operators pass (fail-open) so a newer authoring surface
		// cannot brick older engines.
		log.Printf("engine: unknown guard operator %q, failing open", guard.Operator)
		return true
	}
}

// patternActive checks membership of a pattern key in patterns.active,
// a list of {key} records supplied by the detection pipeline.
func patternActive(evalCtx map[string]interface{}, want interface{}) bool {
	wantKey, ok := want.(string)
	if !ok {
		return false
	}

	active, ok := lookupPath(evalCtx, "patterns.active").([]interface{})
	if !ok {
		return false
	}
	for _, item := range active {
		record, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if key, _ := record["key"].(string); key == wantKey {
			return true
		}
	}
	return false
}

// lookupPath resolves a dot-separated path inside the evaluation context.
// A missing segment yields nil.
func lookupPath(evalCtx map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	var current interface{} = evalCtx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// looseEqual compares numerically when both sides coerce, falling back to
// string formatting, so "5" and 5 compare equal the way rule authors expect.
func looseEqual(a, b interface{}) bool {
	aNum, aOK := toFloat64(a)
	bNum, bOK := toFloat64(b)
	if aOK && bOK {
		return aNum == bNum
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareNumeric coerces both sides to float64 and applies the comparison.
// A side that does not coerce fails the guard, matching Number(x) turning
// into an always-false NaN comparison.
func compareNumeric(a, b interface{}, cmp func(int) bool) bool {
	aNum, aOK := toFloat64(a)
	bNum, bOK := toFloat64(b)
	if !aOK || !bOK {
		return false
	}
	switch {
	case aNum < bNum:
		return cmp(-1)
	case aNum > bNum:
		return cmp(1)
	default:
		return cmp(0)
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
