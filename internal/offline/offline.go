// Package offline reads and appends the historical rows behind feature views.
//
// A batch source is a base file (any registered parser format) plus the
// parquet parts pushed next to it under "<path>.pushed/". Both are read as one
// append-only log; neither is ever rewritten.
package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"featurestore/internal/blob"
	"featurestore/internal/config"
	"featurestore/internal/idgen"
	"featurestore/internal/parser"
	"featurestore/internal/parser/parquet"
	"featurestore/internal/registry"
	"featurestore/internal/transformer"
)

// Logger is the minimal logging surface used by the store.
type Logger interface {
	Printf(format string, v ...any)
}

// Store reads batch sources through a blob.Store, so paths may be local or
// s3://bucket/key.
type Store struct {
	Blobs  *blob.Store
	Logger Logger

	// Now stamps pushed part names; defaults to time.Now.
	Now func() time.Time
}

// New returns a Store over blobs.
func New(blobs *blob.Store) *Store {
	return &Store{Blobs: blobs}
}

func (s *Store) logf() func(string, ...any) {
	if s.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return s.Logger.Printf
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// PushedDir returns the directory holding parts pushed to src.
func PushedDir(src *registry.FileSource) string {
	return src.Path + ".pushed"
}

// file is one readable piece of a source.
type file struct {
	loc    string
	format string
	opts   config.Options
}

// files lists the base file followed by the pushed parts, oldest first.
func (s *Store) files(ctx context.Context, src *registry.FileSource) ([]file, error) {
	parts, err := s.Blobs.List(ctx, PushedDir(src))
	if err != nil {
		return nil, err
	}
	out := make([]file, 0, len(parts)+1)
	out = append(out, file{loc: src.Path, format: registry.FormatOf(src), opts: src.Options})
	for _, p := range parts {
		out = append(out, file{loc: p, format: "parquet"})
	}
	return out, nil
}

// Stream sends every row of src, aligned to columns, to out. The base file
// may be missing when the source only ever received pushes.
//
// Per-record parse problems are reported through onErr with the file they
// came from. The caller owns closing out after Stream returns.
func (s *Store) Stream(
	ctx context.Context,
	src *registry.FileSource,
	columns []string,
	out chan<- *transformer.Row,
	onErr func(loc string, line int, err error),
) error {
	logf := s.logf()

	files, err := s.files(ctx, src)
	if err != nil {
		return fmt.Errorf("offline: list %s: %w", src.Name, err)
	}
	read := 0
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.Blobs.Read(ctx, f.loc)
		if i == 0 && errors.Is(err, blob.ErrNotExist) {
			logf("offline: source=%s base file %s missing; reading pushed parts only", src.Name, f.loc)
			continue
		}
		if err != nil {
			return fmt.Errorf("offline: %w", err)
		}
		stream, err := parser.Stream(f.format)
		if err != nil {
			return fmt.Errorf("offline: source %s: %w", src.Name, err)
		}
		loc := f.loc
		perRow := func(line int, err error) {
			if onErr != nil {
				onErr(loc, line, err)
			}
		}
		if err := stream(ctx, io.NopCloser(bytes.NewReader(data)), columns, f.opts, out, perRow); err != nil {
			return fmt.Errorf("offline: read %s: %w", f.loc, err)
		}
		read++
	}
	if read == 0 {
		return fmt.Errorf("offline: source %s: no base file and no pushed parts: %w", src.Name, blob.ErrNotExist)
	}
	return nil
}

// ReadSource collects every row of src into a Frame with the given columns.
// Values are as parsed; see ReadView for typed rows.
func (s *Store) ReadSource(ctx context.Context, src *registry.FileSource, columns []string) (*transformer.Frame, error) {
	logf := s.logf()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *transformer.Row, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Stream(ctx, src, columns, out, func(loc string, line int, err error) {
			logf("offline: source=%s file=%s line=%d skipped: %v", src.Name, loc, line, err)
		})
		close(out)
	}()

	f := transformer.NewFrame(columns...)
	for r := range out {
		f.Append(append([]any(nil), r.V...))
		r.Free()
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return f, nil
}

// AppendPart writes f as a new parquet part of src. Values must already be
// coerced to the dtypes given per column; columns absent from dtypes are
// written as strings.
func (s *Store) AppendPart(ctx context.Context, src *registry.FileSource, f *transformer.Frame, dtypes map[string]registry.DType) (string, error) {
	if f.Len() == 0 {
		return "", nil
	}
	kinds := make([]parquet.Kind, len(f.Columns))
	for i, c := range f.Columns {
		kinds[i] = KindOf(dtypes[c])
	}

	var buf bytes.Buffer
	if err := parquet.WriteFrame(&buf, f, kinds); err != nil {
		return "", fmt.Errorf("offline: encode part for %s: %w", src.Name, err)
	}
	name, err := idgen.PartName(s.now(), ".parquet")
	if err != nil {
		return "", err
	}
	loc := blob.Join(PushedDir(src), name)
	if err := s.Blobs.Write(ctx, loc, buf.Bytes(), "application/vnd.apache.parquet"); err != nil {
		return "", fmt.Errorf("offline: append part for %s: %w", src.Name, err)
	}
	s.logf()("offline: source=%s appended part=%s rows=%d", src.Name, loc, f.Len())
	return loc, nil
}

// KindOf maps a dtype to its parquet column kind. Unknown dtypes are stored
// as strings.
func KindOf(d registry.DType) parquet.Kind {
	switch d {
	case registry.Float64:
		return parquet.KindFloat64
	case registry.Float32:
		return parquet.KindFloat32
	case registry.Int64:
		return parquet.KindInt64
	case registry.Int32:
		return parquet.KindInt32
	case registry.Bool:
		return parquet.KindBool
	case registry.UnixTimestamp:
		return parquet.KindTimestamp
	case registry.Bytes:
		return parquet.KindBytes
	}
	return parquet.KindString
}
