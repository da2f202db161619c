package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/registry"
)

type fakeBackend struct {
	materialized chan time.Time
	applied      chan []any
	defsErr      error
}

func newFake() *fakeBackend {
	return &fakeBackend{materialized: make(chan time.Time, 16), applied: make(chan []any, 16)}
}

func (f *fakeBackend) MaterializeIncremental(_ context.Context, views []string, end time.Time) (materialize.Result, error) {
	f.materialized <- end
	return materialize.Result{}, nil
}

func (f *fakeBackend) Definitions() ([]any, error) {
	if f.defsErr != nil {
		return nil, f.defsErr
	}
	return []any{&registry.Entity{Name: "booking", JoinKeys: []string{"booking_id"}}}, nil
}

func (f *fakeBackend) Apply(_ context.Context, objs []any) (registry.Diff, error) {
	f.applied <- objs
	return registry.Diff{Added: []string{"booking"}}, nil
}

func TestMaterialize_UsesNow(t *testing.T) {
	fb := newFake()
	at := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	s := &Scheduler{Backend: fb, Now: func() time.Time { return at }}
	s.Materialize(context.Background())
	if got := <-fb.materialized; !got.Equal(at) {
		t.Fatalf("end=%v", got)
	}
}

func TestReload_DefinitionsError(t *testing.T) {
	fb := newFake()
	fb.defsErr = errors.New("bad hcl")
	s := &Scheduler{Backend: fb}
	s.Reload(context.Background())
	if len(fb.applied) != 0 {
		t.Fatalf("apply ran after a definitions error")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := &Scheduler{Backend: newFake(), Schedule: "not a cron"}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
	// A failed start leaves the scheduler stoppable.
	s.Stop()
}

func TestStart_MissingWatchPath(t *testing.T) {
	s := &Scheduler{Backend: newFake(), Watch: []string{filepath.Join(t.TempDir(), "nope.hcl")}}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected watch path error")
	}
}

func TestStart_Twice(t *testing.T) {
	s := &Scheduler{Backend: newFake()}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestCronRunsMaterialize(t *testing.T) {
	fb := newFake()
	s := &Scheduler{Backend: fb, Schedule: "@every 1s"}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-fb.materialized:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduled materialization did not run")
	}
}

func TestWatchReappliesOnWrite(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo.hcl")
	if err := os.WriteFile(repo, []byte("# v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fb := newFake()
	s := &Scheduler{Backend: fb, Watch: []string{repo}, Debounce: 20 * time.Millisecond}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fb.applied:
		t.Fatalf("reload triggered by an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(repo, []byte("# v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case objs := <-fb.applied:
		if len(objs) != 1 {
			t.Fatalf("objs=%v", objs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("repo change did not trigger a reload")
	}
}

// slowApply blocks Apply until release is closed.
type slowApply struct {
	*fakeBackend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *slowApply) Apply(ctx context.Context, objs []any) (registry.Diff, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeBackend.Apply(ctx, objs)
}

func TestStop_WaitsForRunningReload(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo.hcl")
	if err := os.WriteFile(repo, []byte("# v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := &slowApply{fakeBackend: newFake(), entered: make(chan struct{}), release: make(chan struct{})}
	s := &Scheduler{Backend: b, Watch: []string{repo}, Debounce: 20 * time.Millisecond}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := os.WriteFile(repo, []byte("# v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-b.entered:
	case <-time.After(5 * time.Second):
		s.Stop()
		t.Fatalf("reload did not start")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while a reload was still applying")
	case <-time.After(100 * time.Millisecond):
	}

	close(b.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return after the reload finished")
	}
	if len(b.applied) == 0 {
		t.Fatalf("reload did not apply")
	}
}

func TestPathMatcher(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "repo")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "main.hcl")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := newPathMatcher([]string{file, sub})
	if err != nil {
		t.Fatalf("newPathMatcher: %v", err)
	}
	if len(m.dirs()) != 2 {
		t.Fatalf("dirs=%v", m.dirs())
	}
	tests := []struct {
		name string
		want bool
	}{
		{file, true},
		{filepath.Join(dir, "other.hcl"), false},
		{filepath.Join(sub, "views.hcl"), true},
		{filepath.Join(sub, "VIEWS.HCL"), true},
		{filepath.Join(sub, "readme.md"), false},
		{filepath.Join(sub, "nested", "x.hcl"), false},
	}
	for _, tc := range tests {
		if got := m.match(tc.name); got != tc.want {
			t.Errorf("match(%s)=%v want %v", tc.name, got, tc.want)
		}
	}
}
