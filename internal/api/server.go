// Package api exposes the tracking session over HTTP: snapshot reads, pass
// predictions, observer changes and catalog management, plus the SSE stream
// and the operational probes.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/skywatch/internal/auth"
	"github.com/star/skywatch/internal/health"
	"github.com/star/skywatch/internal/httputil"
	"github.com/star/skywatch/internal/metrics"
	"github.com/star/skywatch/internal/passes"
	"github.com/star/skywatch/internal/session"
	"github.com/star/skywatch/internal/stream"
	"github.com/star/skywatch/internal/tle"
)

// Deps are the components the routes serve from.
type Deps struct {
	Session *session.Session
	// Catalog is nil when the session does not track from local elements;
	// the catalog and pass routes then answer 503.
	Catalog   *tle.Refresher
	Predictor *passes.Predictor
	Stream    *stream.Handler
	// TrustProxy takes the logged client IP from proxy headers.
	TrustProxy bool
	// Now is the time source for pass searches; nil uses time.Now.
	Now func() time.Time
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(logger, authCfg, deps),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			// Long enough for a synchronous refresh cycle against a slow
			// remote source. The stream clears it per connection.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(logger *slog.Logger, authCfg auth.Config, deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	sess := deps.Session
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(func() bool { return sess.Current() != nil }))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/snapshot", snapshotHandler(sess))
	mux.HandleFunc("GET /api/v1/satellites/{catalog_id}", satelliteHandler(sess))
	mux.HandleFunc("GET /api/v1/passes/{catalog_id}", passesHandler(logger, sess, deps.Catalog, deps.Predictor, deps.Now))
	mux.HandleFunc("PUT /api/v1/observer", observerHandler(logger, sess))
	mux.HandleFunc("GET /api/v1/observer", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, sess.Observer())
	})
	mux.HandleFunc("POST /api/v1/refresh", refreshHandler(logger, sess))
	mux.HandleFunc("GET /api/v1/catalog/metadata", catalogMetadataHandler(deps.Catalog))
	mux.HandleFunc("POST /api/v1/catalog/fetch", catalogFetchHandler(logger, deps.Catalog))
	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/snapshots", deps.Stream.HandleSnapshots)
	}

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger, deps.TrustProxy)(handler)
	handler = metrics.Middleware(handler)
	return handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
