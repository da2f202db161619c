package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"featurestore/internal/transformer"
	"featurestore/internal/transformer/builtin"
)

// timeLayouts are tried in order for textual timestamps without a zone
// offset; such values are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime converts a source value to a UTC time. Numbers are unix seconds
// (fractions allowed). ok is false for nil or an empty string.
func ParseTime(v any) (t time.Time, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return x.UTC(), true, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true, nil
			}
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return ParseTime(json.Number(s))
		}
		return time.Time{}, false, fmt.Errorf("not a timestamp: %q", x)
	}
	f, ok, err := transformer.Float64(v)
	if err != nil || !ok {
		return time.Time{}, false, fmt.Errorf("not a timestamp: %v (%T)", v, v)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true, nil
}

// Coerce converts a source value to the Go type of d: float64 for Float64
// and Float32, int64 for Int64 and Int32, string, bool, time.Time for
// UnixTimestamp and []byte for Bytes. nil stays nil. Integers outside the
// range of d are rejected. The strings "NaN", "Infinity" and "-Infinity"
// read as float values.
func Coerce(v any, d DType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch d {
	case Float64, Float32:
		f, ok, err := transformer.Float64(v)
		if err != nil || !ok {
			return nil, err
		}
		return f, nil
	case Int64:
		return coerceInt(v, math.MinInt64, math.MaxInt64)
	case Int32:
		return coerceInt(v, math.MinInt32, math.MaxInt32)
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), nil
		case float64:
			return builtin.FormatFloat(x, 64), nil
		case float32:
			return builtin.FormatFloat(float64(x), 32), nil
		case json.Number:
			return builtin.FormatNumber(x), nil
		}
		return fmt.Sprint(v), nil
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("not a bool: %q", x)
			}
			return b, nil
		}
		f, ok, err := transformer.Float64(v)
		if err != nil || !ok {
			return nil, fmt.Errorf("not a bool: %v (%T)", v, v)
		}
		return f != 0, nil
	case UnixTimestamp:
		t, ok, err := ParseTime(v)
		if err != nil || !ok {
			return nil, err
		}
		return t, nil
	case Bytes:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			if b, err := base64.StdEncoding.DecodeString(x); err == nil {
				return b, nil
			}
			return []byte(x), nil
		}
		return nil, fmt.Errorf("not bytes: %T", v)
	}
	return nil, fmt.Errorf("unknown dtype %q", d)
}

// twoTo63 is the first float64 beyond the int64 range.
const twoTo63 = float64(1 << 63)

func coerceInt(v any, lo, hi int64) (any, error) {
	n, err := toInt(v)
	if n == nil || err != nil {
		return n, err
	}
	i := n.(int64)
	if i < lo || i > hi {
		return nil, fmt.Errorf("integer out of range: %d", i)
	}
	return i, nil
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, ok, err := transformer.Float64(v)
	if err != nil || !ok {
		return nil, fmt.Errorf("not an integer: %v (%T)", v, v)
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("not an integer: %v", f)
	}
	if f < -twoTo63 || f >= twoTo63 {
		return nil, fmt.Errorf("integer out of range: %v", f)
	}
	return int64(f), nil
}

// CoerceColumn converts column name of f in place to d. The error names the
// first offending row.
func CoerceColumn(f *transformer.Frame, name string, d DType) error {
	ix := f.Index(name)
	if ix < 0 {
		return fmt.Errorf("%w: %s", transformer.ErrMissingColumn, name)
	}
	for i, r := range f.Rows {
		v, err := Coerce(r[ix], d)
		if err != nil {
			return fmt.Errorf("row %d column %s: %w", i, name, err)
		}
		r[ix] = v
	}
	return nil
}
