// Package featurestore wires a project's registry, offline store, online
// store and engines into one handle used by the CLI and the feature server.
package featurestore

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"featurestore/internal/blob"
	"featurestore/internal/config"
	"featurestore/internal/materialize"
	"featurestore/internal/offline"
	_ "featurestore/internal/parser/all"
	"featurestore/internal/push"
	"featurestore/internal/registry"
	"featurestore/internal/repo/booking"
	"featurestore/internal/repo/hclrepo"
	"featurestore/internal/serving"
	"featurestore/internal/storage"
	_ "featurestore/internal/storage/all"
	"featurestore/internal/transformer"
)

// Logger is the minimal logging interface shared by every component.
type Logger interface {
	Printf(format string, v ...any)
}

// Store is an open feature store project.
//
// Concurrency:
//   - Safe for concurrent use. Operations that change the registry (Apply,
//     Teardown, materialization) are serialized; reads are not.
type Store struct {
	cfg    config.Project
	logger Logger

	blobs    *blob.Store
	regStore *registry.Store
	reg      *registry.Registry

	online  storage.OnlineStore
	offline *offline.Store

	materializer *materialize.Engine
	pusher       *push.Pusher
	serving      *serving.Engine

	mu sync.Mutex // serializes registry writes
}

// Open validates cfg, loads the registry and connects the online store.
func Open(ctx context.Context, cfg config.Project, logger Logger) (*Store, error) {
	if err := config.IssuesError(config.Validate(cfg)); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	blobs := blob.New(blob.S3Options{Region: cfg.OfflineStore.S3Region, Endpoint: cfg.OfflineStore.S3Endpoint})
	regStore := registry.NewStore(cfg.Registry, blobs)
	reg, err := regStore.Load(ctx, cfg.Project)
	if err != nil {
		return nil, err
	}

	online, err := storage.New(ctx, storage.Config{Kind: cfg.OnlineStore.Kind, DSN: cfg.OnlineStore.DSN})
	if err != nil {
		return nil, fmt.Errorf("online store: %w", err)
	}

	off := offline.New(blobs)
	off.Logger = logger

	s := &Store{
		cfg:      cfg,
		logger:   logger,
		blobs:    blobs,
		regStore: regStore,
		reg:      reg,
		online:   online,
		offline:  off,
	}
	s.materializer = &materialize.Engine{
		Registry:      reg,
		Offline:       off,
		Online:        online,
		Logger:        logger,
		BatchSize:     cfg.Runtime.BatchSize,
		LoaderWorkers: cfg.Runtime.LoaderWorkers,
	}
	s.pusher = &push.Pusher{Registry: reg, Online: online, Offline: off, Logger: logger}
	s.serving = &serving.Engine{Registry: reg, Online: online, Offline: off, Logger: logger}
	return s, nil
}

// Close releases the online store.
func (s *Store) Close() { s.online.Close() }

// Config returns the project configuration.
func (s *Store) Config() config.Project { return s.cfg }

// Registry returns the live registry.
func (s *Store) Registry() *registry.Registry { return s.reg }

// Pusher returns the push engine, for transports such as the NATS listener.
func (s *Store) Pusher() *push.Pusher { return s.pusher }

// Definitions returns the repo declarations: the HCL files listed in the
// config, or the built-in booking repo when none are.
func (s *Store) Definitions() ([]any, error) {
	return Definitions(s.cfg.Repo)
}

// Definitions loads HCL repo paths, falling back to the built-in booking repo.
func Definitions(paths []string) ([]any, error) {
	if len(paths) == 0 {
		return booking.Objects(), nil
	}
	return hclrepo.Load(paths...)
}

// Plan validates objs and reports the diff against the registry.
func (s *Store) Plan(objs []any) (registry.Diff, []config.Issue) {
	return s.reg.Plan(objs...)
}

// Apply registers objs, creates the online tables of online views, drops the
// tables of views that are gone or no longer online, and saves the registry.
func (s *Store) Apply(ctx context.Context, objs []any) (registry.Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	began := time.Now()

	before := onlineTables(s.reg)
	d, err := s.reg.Apply(objs...)
	if err != nil {
		return d, err
	}
	after := onlineTables(s.reg)

	var specs []storage.TableSpec
	for _, fv := range s.reg.FeatureViews() {
		if fv.Online {
			specs = append(specs, materialize.TableSpecFor(s.cfg.Project, fv))
		}
	}
	if err := s.online.EnsureTables(ctx, specs); err != nil {
		return d, err
	}
	var stale []string
	for t := range before {
		if !after[t] {
			stale = append(stale, t)
		}
	}
	if len(stale) > 0 {
		if err := s.online.DropTables(ctx, stale); err != nil {
			return d, err
		}
	}
	if err := s.regStore.Save(ctx, s.reg); err != nil {
		return d, err
	}
	s.logger.Printf("stage=apply ok added=%d updated=%d removed=%d tables=%d dropped=%d duration=%s",
		len(d.Added), len(d.Updated), len(d.Removed), len(specs), len(stale), time.Since(began).Truncate(time.Millisecond))
	return d, nil
}

// Teardown drops every online table and empties the registry.
func (s *Store) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tables []string
	for t := range onlineTables(s.reg) {
		tables = append(tables, t)
	}
	if err := s.online.DropTables(ctx, tables); err != nil {
		return err
	}
	if _, err := s.reg.Apply(); err != nil {
		return err
	}
	if err := s.regStore.Save(ctx, s.reg); err != nil {
		return err
	}
	s.logger.Printf("stage=teardown ok dropped=%d", len(tables))
	return nil
}

// Materialize loads (start, end] into the online store and saves the
// recorded intervals.
func (s *Store) Materialize(ctx context.Context, views []string, start, end time.Time) (materialize.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.materializer.Materialize(ctx, views, start, end)
	return res, s.saveAfter(ctx, res, err)
}

// MaterializeIncremental continues each view from its last materialized end.
func (s *Store) MaterializeIncremental(ctx context.Context, views []string, end time.Time) (materialize.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.materializer.MaterializeIncremental(ctx, views, end)
	return res, s.saveAfter(ctx, res, err)
}

// saveAfter persists intervals recorded by a run, including the views that
// finished before a failure.
func (s *Store) saveAfter(ctx context.Context, res materialize.Result, runErr error) error {
	if len(res.Views) == 0 {
		return runErr
	}
	if err := s.regStore.Save(ctx, s.reg); err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}
	return runErr
}

// Push writes rows to a push source.
func (s *Store) Push(ctx context.Context, source string, f *transformer.Frame, mode push.Mode) (push.Result, error) {
	return s.pusher.Push(ctx, source, f, mode)
}

// GetOnlineFeatures serves the latest feature values.
func (s *Store) GetOnlineFeatures(ctx context.Context, req serving.OnlineRequest) (*serving.OnlineResponse, error) {
	return s.serving.GetOnlineFeatures(ctx, req)
}

// GetHistoricalFeatures serves point-in-time correct feature values.
func (s *Store) GetHistoricalFeatures(ctx context.Context, req serving.HistoricalRequest) (*transformer.Frame, error) {
	return s.serving.GetHistoricalFeatures(ctx, req)
}

func onlineTables(r *registry.Registry) map[string]bool {
	out := map[string]bool{}
	for _, fv := range r.FeatureViews() {
		if fv.Online {
			out[storage.TableName(r.Project(), fv.Name)] = true
		}
	}
	return out
}
