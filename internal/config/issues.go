package config

import "fmt"

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

// Issue is one validation finding. Path is a dotted location such as
// "online_store.kind" or "feature_view[pc_booking_view].schema[0]".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// IssuesError folds error-level issues into a single error, or nil.
func IssuesError(issues []Issue) error {
	var first *Issue
	n := 0
	for i := range issues {
		if issues[i].Severity != SeverityError {
			continue
		}
		if first == nil {
			first = &issues[i]
		}
		n++
	}
	if first == nil {
		return nil
	}
	if n == 1 {
		return fmt.Errorf("%s: %s", first.Path, first.Message)
	}
	return fmt.Errorf("%s: %s (and %d more)", first.Path, first.Message, n-1)
}
