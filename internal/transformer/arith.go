package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float64 converts a scalar to float64. ok is false for nil (null).
// Strings are parsed (CSV sources deliver text); an unparsable value is an error.
func Float64(v any) (f float64, ok bool, err error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return t, true, nil
	case float32:
		return float64(t), true, nil
	case int:
		return float64(t), true, nil
	case int32:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", t.String())
		}
		return f, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", t)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("not a number: %T", v)
	}
}

// NonFinite returns the text a NaN or infinite float travels as in JSON:
// "NaN", "Infinity" or "-Infinity". ok is false for finite values. Float64
// parses all three back.
func NonFinite(f float64) (s string, ok bool) {
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	}
	return "", false
}

// JSONSafe replaces a non-finite float64 or float32 with its NonFinite text.
// Any other value is returned unchanged.
func JSONSafe(v any) any {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	default:
		return v
	}
	if s, ok := NonFinite(f); ok {
		return s
	}
	return v
}

// MulFloat64 multiplies two scalars with IEEE double semantics. If either
// operand is null the result is null.
func MulFloat64(a, b any) (any, error) {
	x, okA, err := Float64(a)
	if err != nil {
		return nil, err
	}
	y, okB, err := Float64(b)
	if err != nil {
		return nil, err
	}
	if !okA || !okB {
		return nil, nil
	}
	return x * y, nil
}

// MulColumns returns the elementwise product of columns a and b of in.
// A missing column is reported with ErrMissingColumn.
func MulColumns(in *Frame, a, b string) ([]any, error) {
	ia, ib := in.Index(a), in.Index(b)
	if ia < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, a)
	}
	if ib < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, b)
	}
	out := make([]any, len(in.Rows))
	for i, r := range in.Rows {
		v, err := MulFloat64(r[ia], r[ib])
		if err != nil {
			return nil, fmt.Errorf("row %d: %s * %s: %w", i, a, b, err)
		}
		out[i] = v
	}
	return out, nil
}
