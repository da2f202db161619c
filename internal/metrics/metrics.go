// Package metrics is the process-wide metrics facade. Components record
// through the package functions; the backend (Datadog or nop) is chosen once
// at startup with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions such as {"step": "materialize", "status": "ok"}.
type Labels map[string]string

// Backend receives metric events.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "fs_step_total"
	StepDurationSeconds = "fs_step_duration_seconds"
	RowsTotal           = "fs_rows_total"
	HTTPRequestsTotal   = "fs_http_requests_total"
	HTTPDurationSeconds = "fs_http_request_duration_seconds"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b. A nil b restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend.
func Flush() error { return current().Flush() }

// RecordStep counts one run of step with its status ("ok" or "error") and
// observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts n rows of kind, e.g. "materialized" or "pushed".
func RecordRows(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP counts one served request and observes its latency.
func RecordHTTP(status int, d time.Duration) {
	l := Labels{"status": strconv.Itoa(status)}
	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	b.ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
}
