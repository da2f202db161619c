package parser

import (
	"context"
	"io"

	"featurestore/internal/config"
	"featurestore/internal/transformer"
)

// Collect runs the named format over src and gathers the rows into a Frame
// with the given columns. Rows are copied out of the pool.
func Collect(
	ctx context.Context,
	format string,
	src io.ReadCloser,
	columns []string,
	opts config.Options,
	onErr func(line int, err error),
) (*transformer.Frame, error) {
	stream, err := Stream(format)
	if err != nil {
		src.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *transformer.Row, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream(ctx, src, columns, opts, out, onErr)
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
