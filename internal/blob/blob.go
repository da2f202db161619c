// Package blob reads and writes whole files addressed either by a local path
// or by an s3://bucket/key location.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotExist is returned (wrapped) when a location has no object.
var ErrNotExist = fs.ErrNotExist

// IsS3 reports whether loc uses the s3:// scheme.
func IsS3(loc string) bool { return strings.HasPrefix(loc, "s3://") }

// SplitS3 splits "s3://bucket/key" into bucket and key.
func SplitS3(loc string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", loc)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 location %q has no bucket", loc)
	}
	return bucket, key, nil
}

// Join appends elem to loc using "/" for s3 locations and the OS separator
// for local paths.
func Join(loc string, elem ...string) string {
	if IsS3(loc) {
		return strings.TrimSuffix(loc, "/") + "/" + strings.Join(elem, "/")
	}
	return filepath.Join(append([]string{loc}, elem...)...)
}

// S3Options configures the S3 client used for s3:// locations.
type S3Options struct {
	Region   string
	Endpoint string // non-empty enables path-style addressing
}

// Store dispatches reads and writes to the local filesystem or S3.
//
// Concurrency:
//   - Safe for concurrent use. The S3 client is built on first use.
type Store struct {
	opts S3Options

	once   sync.Once
	client s3API
	err    error
}

// New returns a Store. No network access happens until an s3:// location is used.
func New(opts S3Options) *Store {
	return &Store{opts: opts}
}

func (s *Store) s3(ctx context.Context) (s3API, error) {
	s.once.Do(func() {
		if s.client == nil {
			s.client, s.err = newS3Client(ctx, s.opts)
		}
	})
	return s.client, s.err
}

// Read returns the full contents of loc.
func (s *Store) Read(ctx context.Context, loc string) ([]byte, error) {
	if !IsS3(loc) {
		b, err := os.ReadFile(loc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", loc, err)
		}
		return b, nil
	}
	c, err := s.s3(ctx)
	if err != nil {
		return nil, err
	}
	return s3Read(ctx, c, loc)
}

// Write replaces loc with data. Local writes go through a temp file and
// rename so readers never see a partial file.
func (s *Store) Write(ctx context.Context, loc string, data []byte, contentType string) error {
	if !IsS3(loc) {
		return writeLocal(loc, data)
	}
	c, err := s.s3(ctx)
	if err != nil {
		return err
	}
	return s3Write(ctx, c, loc, data, contentType)
}

// List returns the locations directly under dir (local) or under the dir/
// prefix (s3), sorted. A missing directory yields an empty list.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if !IsS3(dir) {
		ents, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		var out []string
		for _, e := range ents {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			out = append(out, filepath.Join(dir, e.Name()))
		}
		sort.Strings(out)
		return out, nil
	}
	c, err := s.s3(ctx)
	if err != nil {
		return nil, err
	}
	return s3List(ctx, c, dir)
}

// Exists reports whether loc has an object.
func (s *Store) Exists(ctx context.Context, loc string) (bool, error) {
	_, err := s.Read(ctx, loc)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func writeLocal(loc string, data []byte) error {
	dir := filepath.Dir(loc)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(loc)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", loc, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", loc, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", loc, err)
	}
	if err := os.Rename(tmp.Name(), loc); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", loc, err)
	}
	return nil
}
