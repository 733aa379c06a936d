package rules

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Truthy applies json-logic truthiness: empty arrays, nil, false, 0, NaN and
// the empty string are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return true
	}

	if n, ok := asNumber(v); ok {
		return n != 0 && !math.IsNaN(n)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return rv.Len() > 0
	}

	return true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	}

	return 0, false
}

// toNumber coerces like JavaScript's unary plus.
func toNumber(v any) float64 {
	if n, ok := asNumber(v); ok {
		return n
	}

	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}

		return 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}

		return f
	}

	return math.NaN()
}

// Stringify renders a value the way it is spliced into a template.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}

		return string(b)
	}

	if n, ok := asNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(b)
}

// looseEqual mirrors JavaScript ==.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	as, aIsString := a.(string)
	bs, bIsString := b.(string)

	if aIsString && bIsString {
		return as == bs
	}

	_, aIsBool := a.(bool)
	_, bIsBool := b.(bool)
	_, aIsNum := asNumber(a)
	_, bIsNum := asNumber(b)

	if aIsNum || bIsNum || aIsBool || bIsBool {
		if (aIsNum || aIsBool || aIsString) && (bIsNum || bIsBool || bIsString) {
			return toNumber(a) == toNumber(b)
		}

		return false
	}

	return reflect.DeepEqual(a, b)
}

// strictEqual mirrors JavaScript ===, treating all numeric types alike.
func strictEqual(a, b any) bool {
	an, aIsNum := asNumber(a)
	bn, bIsNum := asNumber(b)

	if aIsNum || bIsNum {
		return aIsNum && bIsNum && an == bn
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)

		return ok && av == bv
	case bool:
		bv, ok := b.(bool)

		return ok && av == bv
	}

	return false
}

// less compares strings lexically when both are strings, numbers otherwise.
func less(a, b any, orEqual bool) bool {
	as, aok := a.(string)
	bs, bok := b.(string)

	if aok && bok {
		if orEqual {
			return as <= bs
		}

		return as < bs
	}

	x, y := toNumber(a), toNumber(b)
	if orEqual {
		return x <= y
	}

	return x < y
}

func toList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out
}
