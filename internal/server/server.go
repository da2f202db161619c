// Package server exposes the feature store over HTTP/JSON.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/metrics"
	"featurestore/internal/push"
	"featurestore/internal/registry"
	"featurestore/internal/serving"
	"featurestore/internal/transformer"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id; one is generated when absent.
const RequestIDHeader = "X-Request-Id"

// Logger is the minimal logging interface used by the server.
type Logger interface {
	Printf(format string, v ...any)
}

// Backend is the feature store surface the server needs;
// *featurestore.Store implements it.
type Backend interface {
	Registry() *registry.Registry
	GetOnlineFeatures(ctx context.Context, req serving.OnlineRequest) (*serving.OnlineResponse, error)
	Push(ctx context.Context, source string, f *transformer.Frame, mode push.Mode) (push.Result, error)
	Materialize(ctx context.Context, views []string, start, end time.Time) (materialize.Result, error)
	MaterializeIncremental(ctx context.Context, views []string, end time.Time) (materialize.Result, error)
}

// Server handles feature server requests.
type Server struct {
	fs     Backend
	logger Logger
}

// New returns a Server over fs. A nil logger discards.
func New(fs Backend, logger Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{fs: fs, logger: logger}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /get-online-features", s.handleGetOnlineFeatures)
	mux.HandleFunc("POST /push", s.handlePush)
	mux.HandleFunc("POST /materialize", s.handleMaterialize)
	mux.HandleFunc("POST /materialize-incremental", s.handleMaterializeIncremental)
	mux.HandleFunc("GET /registry", s.handleRegistry)
	return s.instrument(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("stage=serve listening addr=%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument assigns request ids and records one log line and one metric
// sample per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		d := time.Since(start)
		metrics.RecordHTTP(rec.status, d)
		s.logger.Printf("stage=http request_id=%s method=%s path=%s status=%d duration=%s",
			id, r.Method, r.URL.Path, rec.status, d.Truncate(time.Microsecond))
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRegistry handles GET /registry.
func (s *Server) handleRegistry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fs.Registry().Snapshot())
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transformer.ErrMissingColumn),
		errors.Is(err, serving.ErrMissingRequestData):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
