package storage

import (
	"strings"
)

// TableName returns the online table name of a view: "<project>_<view>",
// lower-cased, with every character outside [a-z0-9_] replaced by '_'.
//
// Backends quote it anyway.
func TableName(project, view string) string {
	return NormalizeIdent(project + "_" + view)
}

// NormalizeIdent converts s to a portable identifier (e.g. "fs-ml2.Booking"
// -> "fs_ml2_booking"). A leading digit gets a "t_" prefix.
func NormalizeIdent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s) + 2)
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "t_" + out
	}
	return out
}
