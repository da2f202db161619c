// Package scheduler runs the feature server's background jobs: incremental
// materialization on a cron schedule and re-applying the HCL repo when one
// of its files changes.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/registry"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Logger is the minimal logging interface used by the scheduler.
type Logger interface {
	Printf(format string, v ...any)
}

// Backend is what the jobs drive; *featurestore.Store implements it.
type Backend interface {
	MaterializeIncremental(ctx context.Context, views []string, end time.Time) (materialize.Result, error)
	Definitions() ([]any, error)
	Apply(ctx context.Context, objs []any) (registry.Diff, error)
}

// Scheduler owns the cron runner and the repo watcher.
type Scheduler struct {
	Backend Backend

	// Schedule is a robfig/cron expression; empty disables materialization.
	Schedule string
	// Watch lists HCL files or directories; empty disables reloading.
	Watch []string

	Debounce time.Duration
	Logger   Logger
	Now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	// reloads tracks debounced reloads; stopping is set under reloadMu once
	// Stop begins so no new reload joins the group after Wait.
	reloadMu sync.Mutex
	stopping bool
	reloads  sync.WaitGroup
}

func (s *Scheduler) logger() Logger {
	if s.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return s.Logger
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// Start launches the configured jobs. Jobs run with a context derived from
// ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)

	var c *cron.Cron
	if s.Schedule != "" {
		c = cron.New()
		if _, err := c.AddFunc(s.Schedule, func() { s.Materialize(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("materialize_schedule %q: %w", s.Schedule, err)
		}
	}

	var w *fsnotify.Watcher
	var matcher *pathMatcher
	if len(s.Watch) > 0 {
		var err error
		matcher, err = newPathMatcher(s.Watch)
		if err != nil {
			cancel()
			return err
		}
		w, err = fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return fmt.Errorf("watcher: %w", err)
		}
		for _, dir := range matcher.dirs() {
			if err := w.Add(dir); err != nil {
				w.Close()
				cancel()
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		}
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.reloadMu.Lock()
	s.stopping = false
	s.reloadMu.Unlock()
	if c != nil {
		c.Start()
		s.cron = c
		s.logger().Printf("stage=scheduler cron schedule=%q", s.Schedule)
	}
	if w != nil {
		s.watcher = w
		go s.watchLoop(runCtx, w, matcher, s.done)
		s.logger().Printf("stage=scheduler watching dirs=%d", len(matcher.dirs()))
	} else {
		close(s.done)
	}
	return nil
}

// Stop cancels running jobs and waits for the cron runner, the watch loop and
// any reload already under way to exit. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.reloadMu.Lock()
	s.stopping = true
	s.reloadMu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	<-s.done
	s.reloads.Wait()
}

// Materialize runs one incremental materialization up to now.
func (s *Scheduler) Materialize(ctx context.Context) {
	began := time.Now()
	res, err := s.Backend.MaterializeIncremental(ctx, nil, s.now())
	if err != nil {
		s.logger().Printf("stage=scheduled_materialize failed err=%v", err)
		return
	}
	s.logger().Printf("stage=scheduled_materialize ok views=%d entities=%d duration=%s",
		len(res.Views), res.Rows(), time.Since(began).Truncate(time.Millisecond))
}

// Reload re-reads the repo definitions and applies them.
func (s *Scheduler) Reload(ctx context.Context) {
	objs, err := s.Backend.Definitions()
	if err != nil {
		s.logger().Printf("stage=reload failed err=%v", err)
		return
	}
	d, err := s.Backend.Apply(ctx, objs)
	if err != nil {
		s.logger().Printf("stage=reload failed err=%v", err)
		return
	}
	s.logger().Printf("stage=reload ok added=%d updated=%d removed=%d",
		len(d.Added), len(d.Updated), len(d.Removed))
}

func (s *Scheduler) watchLoop(ctx context.Context, w *fsnotify.Watcher, m *pathMatcher, done chan struct{}) {
	defer close(done)
	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if !m.match(event.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			name := event.Name
			timer = time.AfterFunc(debounce, func() {
				s.reloadMu.Lock()
				if s.stopping || ctx.Err() != nil {
					s.reloadMu.Unlock()
					return
				}
				s.reloads.Add(1)
				s.reloadMu.Unlock()
				defer s.reloads.Done()

				s.logger().Printf("stage=reload changed=%s", name)
				s.Reload(ctx)
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger().Printf("stage=scheduler watcher err=%v", err)
		}
	}
}

// pathMatcher decides which file events belong to the repo: listed files
// match exactly, listed directories match any *.hcl file directly inside.
type pathMatcher struct {
	files   map[string]bool
	hclDirs map[string]bool
	watched map[string]bool
}

func newPathMatcher(paths []string) (*pathMatcher, error) {
	m := &pathMatcher{files: map[string]bool{}, hclDirs: map[string]bool{}, watched: map[string]bool{}}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch path %q: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("watch path: %w", err)
		}
		if info.IsDir() {
			m.hclDirs[abs] = true
			m.watched[abs] = true
			continue
		}
		m.files[abs] = true
		m.watched[filepath.Dir(abs)] = true
	}
	return m, nil
}

func (m *pathMatcher) dirs() []string {
	out := make([]string, 0, len(m.watched))
	for d := range m.watched {
		out = append(out, d)
	}
	return out
}

func (m *pathMatcher) match(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	if m.files[abs] {
		return true
	}
	return m.hclDirs[filepath.Dir(abs)] && strings.EqualFold(filepath.Ext(abs), ".hcl")
}
