package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
)

// ConditionEvaluator evaluates single conditions against entity snapshots.
// Evaluation never fails: malformed comparisons are false and reported as
// *EvaluationError diagnostics.
type ConditionEvaluator struct {
	registry    *entity.Registry
	expressions *expressionCache
}

// NewConditionEvaluator creates an evaluator resolving fields through registry
func NewConditionEvaluator(registry *entity.Registry) (*ConditionEvaluator, error) {
	expressions, err := newExpressionCache()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{
		registry:    registry,
		expressions: expressions,
	}, nil
}

// Evaluate returns whether the condition holds, logging any diagnostic
func (ce *ConditionEvaluator) Evaluate(c Condition, s entity.Snapshot) bool {
	ok, err := ce.Check(c, s)
	if err != nil {
		logger.Debug("condition evaluated to false", "entity_id", s.ID, "error", err)
	}
	return ok
}

// Check evaluates the condition and returns the diagnostic explaining a
// forced false result, if any
func (ce *ConditionEvaluator) Check(c Condition, s entity.Snapshot) (bool, error) {
	op := Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
	if op == OpExpression {
		matched, err := ce.expressions.eval(c.Value, ce.registry.Facts(s))
		if err != nil {
			return false, &EvaluationError{Field: c.Field, Operator: op, Reason: err.Error()}
		}
		return matched, nil
	}

	raw, present := ce.registry.Resolve(s, c.Field)
	empty := isEmpty(raw, present)
	kind, err := ce.registry.Lookup(s.Type, c.Field)
	if err != nil || kind == entity.KindDynamic {
		kind = inferKind(raw)
	}

	fail := func(format string, args ...any) (bool, error) {
		return false, &EvaluationError{Field: c.Field, Operator: op, Reason: fmt.Sprintf(format, args...)}
	}

	switch op {
	case OpIsEmpty:
		return empty, nil

	case OpIsNotEmpty:
		return !empty, nil

	case OpEquals, OpNotEquals:
		eq := strings.TrimSpace(c.Value) == ""
		if !empty {
			eq, err = equals(raw, kind, c.Value)
			if err != nil {
				return fail("%v", err)
			}
		}
		if op == OpNotEquals {
			return !eq, nil
		}
		return eq, nil

	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		if empty {
			return false, nil
		}
		left, ok := toFloat(raw)
		if !ok {
			return fail("field value %v is not numeric", raw)
		}
		right, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return fail("comparison value %q is not numeric", c.Value)
		}
		switch op {
		case OpGreaterThan:
			return left > right, nil
		case OpLessThan:
			return left < right, nil
		case OpGreaterThanOrEqual:
			return left >= right, nil
		default:
			return left <= right, nil
		}

	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		str := ""
		if !empty {
			str = toString(raw)
		}
		haystack := strings.ToLower(str)
		needle := strings.ToLower(c.Value)
		switch op {
		case OpContains:
			return strings.Contains(haystack, needle), nil
		case OpNotContains:
			return !strings.Contains(haystack, needle), nil
		case OpStartsWith:
			return strings.HasPrefix(haystack, needle), nil
		default:
			return strings.HasSuffix(haystack, needle), nil
		}

	case OpIn, OpNotIn:
		found := false
		if !empty {
			for _, member := range splitList(c.Value) {
				eq, err := equals(raw, kind, member)
				if err != nil {
					return fail("set member %q: %v", member, err)
				}
				if eq {
					found = true
					break
				}
			}
		}
		if op == OpNotIn {
			return !found, nil
		}
		return found, nil

	case OpBefore, OpAfter:
		if empty {
			return false, nil
		}
		left, ok := toTime(raw)
		if !ok {
			return fail("field value %v is not a date", raw)
		}
		right, err := entity.ParseTime(c.Value)
		if err != nil {
			return fail("%v", err)
		}
		if op == OpBefore {
			return left.Before(right), nil
		}
		return left.After(right), nil

	default:
		return fail("unsupported operator")
	}
}

func isEmpty(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func inferKind(v any) entity.Kind {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return entity.KindNumber
	case bool:
		return entity.KindBool
	case time.Time:
		return entity.KindTime
	default:
		return entity.KindString
	}
}

// equals compares a field value with a literal using the field's natural type
func equals(v any, kind entity.Kind, literal string) (bool, error) {
	literal = strings.TrimSpace(literal)
	switch kind {
	case entity.KindNumber:
		left, ok := toFloat(v)
		if !ok {
			return false, fmt.Errorf("field value %v is not numeric", v)
		}
		right, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return false, fmt.Errorf("value %q is not numeric", literal)
		}
		return left == right, nil

	case entity.KindBool:
		right, err := strconv.ParseBool(literal)
		if err != nil {
			return false, fmt.Errorf("value %q is not a boolean", literal)
		}
		switch left := v.(type) {
		case bool:
			return left == right, nil
		case string:
			b, err := strconv.ParseBool(left)
			if err != nil {
				return false, fmt.Errorf("field value %q is not a boolean", left)
			}
			return b == right, nil
		}
		return false, fmt.Errorf("field value %v is not a boolean", v)

	case entity.KindTime:
		left, ok := toTime(v)
		if !ok {
			return false, fmt.Errorf("field value %v is not a date", v)
		}
		right, err := entity.ParseTime(literal)
		if err != nil {
			return false, err
		}
		if len(literal) == len(entity.DateLayout) {
			return left.UTC().Format(entity.DateLayout) == literal, nil
		}
		return left.Equal(right), nil

	default:
		return toString(v) == literal, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := entity.ParseTime(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func splitList(value string) []string {
	var out []string
	for _, member := range strings.Split(value, ",") {
		if m := strings.TrimSpace(member); m != "" {
			out = append(out, m)
		}
	}
	return out
}
