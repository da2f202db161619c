// Package builtin contains small, reusable transforms shared by the offline
// reader, the online store writers and the serving path.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Hash computes a deterministic SHA-256 over an ordered set of fields.
//
// It is used to derive the online store row key from entity join key values:
// the key must be identical whether booking_id=42 arrived as an int64 from a
// parquet file, a float64 from a JSON request or the string "42" from a CSV.
//
// Canonicalization rules:
//   - Fields are concatenated in the given order using Separator.
//   - Missing or nil values are encoded as a single NUL byte (0x00) so missing
//     differs from empty-string.
//   - Integral floats within +/-2^53 are encoded like integers (2.0 -> "2",
//     1e6 -> "1000000"); see FormatFloat.
//   - json.Number is decoded as an integer when possible.
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Output is a lowercase hex string (length 64).
type Hash struct {
	// Fields is the ordered list of input field names.
	Fields []string

	// IncludeFieldNames includes "field=value" in the canonical form.
	IncludeFieldNames bool

	// Separator used between field components. Defaults to 0x1f.
	Separator string

	// TrimSpace trims leading/trailing whitespace for string/[]byte values.
	TrimSpace bool
}

// Sum hashes values, which must be aligned with h.Fields. Extra values are
// ignored; missing values hash as nil.
func (h Hash) Sum(values []any) string {
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	var b strings.Builder
	b.Grow(len(h.Fields) * 20)

	for i, f := range h.Fields {
		if i > 0 {
			b.WriteString(sep)
		}
		if h.IncludeFieldNames {
			b.WriteString(f)
			b.WriteByte('=')
		}
		var v any
		if i < len(values) {
			v = values[i]
		}
		appendCanonicalValue(&b, v, h.TrimSpace)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// EntityKey returns the canonical online store key for one entity row.
func EntityKey(joinKeys []string, values []any) string {
	return Hash{Fields: joinKeys, IncludeFieldNames: true, TrimSpace: true}.Sum(values)
}

// appendCanonicalValue appends a stable, canonical representation of v.
// It avoids fmt.Sprint for common types to reduce allocations.
func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')

	case string:
		if trimSpace && HasEdgeSpace(t) {
			b.WriteString(strings.TrimSpace(t))
		} else {
			b.WriteString(t)
		}

	case []byte:
		if !trimSpace {
			b.Write(t)
			return
		}
		s := string(t)
		if HasEdgeSpace(s) {
			s = strings.TrimSpace(s)
		}
		b.WriteString(s)

	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}

	case int:
		b.WriteString(strconv.Itoa(t))
	case int8:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))

	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))

	case float32:
		b.WriteString(FormatFloat(float64(t), 32))
	case float64:
		b.WriteString(FormatFloat(t, 64))

	case json.Number:
		b.WriteString(FormatNumber(t))

	case time.Time:
		tt := t
		if !tt.IsZero() {
			tt = tt.UTC()
		}
		b.WriteString(tt.Format(time.RFC3339Nano))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}

// maxExactInt is the largest magnitude below which every integer is exactly
// representable as a float64.
const maxExactInt = 1 << 53

// FormatFloat renders f in its shortest form, except that integral values
// within +/-2^53 are written as plain integers so that a key read as a float
// matches the same key read as an integer.
func FormatFloat(f float64, bitSize int) string {
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, bitSize)
}

// FormatNumber renders a JSON number with the same rules as FormatFloat.
func FormatNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return FormatFloat(f, 64)
	}
	return n.String()
}

// HasEdgeSpace reports whether s starts or ends with an ASCII space or tab.
// It is a cheap pre-check before strings.TrimSpace in hot loops.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return first == ' ' || last == ' ' || first == '\t' || last == '\t' ||
		first == '\n' || last == '\n' || first == '\r' || last == '\r'
}
