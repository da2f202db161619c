package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type event struct {
	kind  string
	name  string
	value float64
	l     Labels
}

type recorder struct {
	mu      sync.Mutex
	events  []event
	flushes int
}

func (r *recorder) IncCounter(name string, delta float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{"counter", name, delta, l})
}

func (r *recorder) ObserveHistogram(name string, v float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{"histogram", name, v, l})
}

func (r *recorder) Flush() error {
	r.flushes++
	return nil
}

func TestRecordStep(t *testing.T) {
	r := &recorder{}
	SetBackend(r)
	t.Cleanup(func() { SetBackend(nil) })

	RecordStep("materialize", nil, 1500*time.Millisecond)
	RecordStep("push", errors.New("x"), 0)

	if len(r.events) != 4 {
		t.Fatalf("events=%v", r.events)
	}
	if e := r.events[0]; e.name != StepTotal || e.l["status"] != "ok" || e.l["step"] != "materialize" {
		t.Fatalf("first=%+v", e)
	}
	if e := r.events[1]; e.name != StepDurationSeconds || e.value != 1.5 {
		t.Fatalf("second=%+v", e)
	}
	if e := r.events[2]; e.l["status"] != "error" {
		t.Fatalf("third=%+v", e)
	}
}

func TestRecordRowsAndHTTP(t *testing.T) {
	r := &recorder{}
	SetBackend(r)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRows("materialized", 0)
	RecordRows("materialized", 3)
	RecordHTTP(404, time.Second)

	if len(r.events) != 3 {
		t.Fatalf("events=%v", r.events)
	}
	if e := r.events[0]; e.name != RowsTotal || e.value != 3 || e.l["kind"] != "materialized" {
		t.Fatalf("rows=%+v", e)
	}
	if e := r.events[1]; e.name != HTTPRequestsTotal || e.l["status"] != "404" {
		t.Fatalf("http=%+v", e)
	}
	if err := Flush(); err != nil || r.flushes != 1 {
		t.Fatalf("flush err=%v n=%d", err, r.flushes)
	}
}

func TestNilBackendIsNop(t *testing.T) {
	SetBackend(nil)
	RecordStep("x", nil, time.Millisecond)
	if err := Flush(); err != nil {
		t.Fatal(err)
	}
}
