package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"featurestore/internal/blob"
)

// Store persists registry snapshots at a single location (local path or s3://).
type Store struct {
	loc   string
	blobs *blob.Store
}

// NewStore returns a Store for loc.
func NewStore(loc string, blobs *blob.Store) *Store {
	return &Store{loc: loc, blobs: blobs}
}

// Location returns where snapshots are kept.
func (s *Store) Location() string { return s.loc }

// Load reads the registry. A location without a snapshot yields an empty
// registry for project.
func (s *Store) Load(ctx context.Context, project string) (*Registry, error) {
	b, err := s.blobs.Read(ctx, s.loc)
	if errors.Is(err, blob.ErrNotExist) {
		return New(project), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", s.loc, err)
	}
	if snap.Project != project {
		return nil, fmt.Errorf("registry %s belongs to project %q, not %q", s.loc, snap.Project, project)
	}
	return Restore(&snap)
}

// Save writes the registry snapshot.
func (s *Store) Save(ctx context.Context, r *Registry) error {
	b, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := s.blobs.Write(ctx, s.loc, b, "application/json"); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}
