// Package server exposes a mnemo App over HTTP: conversation turns, thread
// and run inspection, memory search, and a server-sent event stream.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// Options configures the HTTP surface.
type Options struct {
	Version string
	// Token, when set, is required as a bearer token on every route except
	// /api/health.
	Token string
	// AllowedOrigins limits CORS. Empty allows any origin.
	AllowedOrigins []string
}

type Server struct {
	app    *app.App
	broker *Broker
	logger *telemetry.Logger
	opts   Options
}

// New creates a server for a, which must have been built with a
// conversation runtime. The server's broker is registered on a.Bus.
func New(a *app.App, opts Options) *Server {
	broker := NewBroker(a.Logger)
	a.Bus.Register(broker)
	return &Server{app: a, broker: broker, logger: a.Logger, opts: opts}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.cors(s.authorize(s.routes())))
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting mnemo API", "addr", addr, "auth", s.opts.Token != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("POST /api/threads/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/threads/{id}/runs", s.handleListThreadRuns)
	mux.HandleFunc("POST /api/threads/{id}/memories/extract", s.handleExtractMemories)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	mux.HandleFunc("GET /api/memories", s.handleSearchMemories)
	mux.HandleFunc("POST /api/memories/flush", s.handleFlushMemories)

	mux.HandleFunc("GET /api/tools", s.handleListTools)

	mux.HandleFunc("GET /api/events", s.handleSSEEvents)
	mux.HandleFunc("GET /api/events/{threadID}", s.handleSSEEventsFiltered)

	return mux
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mnemo"`)
			jsonError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(s.opts.AllowedOrigins) == 0 || slices.Contains(s.opts.AllowedOrigins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests tags each request with an X-Request-ID and logs it once done.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		logger := s.logger.Debug
		if rec.status >= 500 {
			logger = s.logger.Warn
		}
		if !strings.HasPrefix(r.URL.Path, "/api/events") {
			logger("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start).Round(time.Millisecond),
				"request_id", id,
			)
		}
	})
}
