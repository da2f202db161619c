// Package config holds the feature store project configuration and the small
// option maps used by parsers and file sources.
package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Options is a loosely typed option bag decoded from TOML, HCL or JSON.
//
// Accessors never fail: a missing key or a value of the wrong shape yields the
// provided default. Numeric values may arrive as float64 (JSON), int64 (TOML)
// or strings (HCL attributes, env vars) and are accepted in all three forms.
type Options map[string]any

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// String returns key as a string.
func (o Options) String(key, def string) string {
	switch t := o.Any(key).(type) {
	case string:
		return t
	case nil:
		return def
	default:
		return def
	}
}

// Bool returns key as a bool. Strings "true"/"1"/"yes" are accepted.
func (o Options) Bool(key string, def bool) bool {
	switch t := o.Any(key).(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return def
}

// Int returns key as an int.
func (o Options) Int(key string, def int) int {
	switch t := o.Any(key).(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string option, e.g. a CSV delimiter.
// The literal "\t" is accepted for tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key).(string)
	if !ok || s == "" {
		return def
	}
	if s == `\t` {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return def
	}
	return r
}

// StringMap returns key as map[string]string. Non-string values are skipped.
func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch t := o.Any(key).(type) {
	case map[string]string:
		for k, v := range t {
			out[k] = v
		}
	case map[string]any:
		for k, v := range t {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
