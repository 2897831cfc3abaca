package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skywatch_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_refresh_total",
			Help: "Tracking refresh cycles by outcome.",
		},
		[]string{"source", "outcome"},
	)

	refreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skywatch_refresh_duration_seconds",
			Help:    "Duration of a tracking refresh cycle.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	trackedSatellites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_tracked_satellites",
		Help: "Objects in the latest snapshot.",
	})

	aboveHorizonSatellites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_above_horizon_satellites",
		Help: "Objects above the observer's horizon in the latest snapshot.",
	})

	visibleSatellites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_visible_satellites",
		Help: "Objects visible under the active policy in the latest snapshot.",
	})

	trackFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_track_failures_total",
			Help: "Objects dropped from a snapshot, by reason.",
		},
		[]string{"reason"},
	)

	catalogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_catalog_size",
		Help: "Element sets in the loaded catalog.",
	})

	catalogFetchedTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_catalog_fetched_timestamp_seconds",
		Help: "Unix time the loaded catalog was fetched.",
	})

	catalogFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_catalog_fetch_total",
			Help: "Catalog fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	modelCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_model_cache_size",
		Help: "Initialized SGP4 models held in the cache.",
	})

	modelCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_model_cache_lookups_total",
			Help: "SGP4 model cache lookups by result.",
		},
		[]string{"result"},
	)

	remoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_remote_requests_total",
			Help: "Requests to the remote tracking service by endpoint and status.",
		},
		[]string{"endpoint", "code"},
	)

	streamConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skywatch_stream_connections",
		Help: "Open snapshot stream connections.",
	})

	streamMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skywatch_stream_messages_total",
		Help: "Snapshot events written to stream clients.",
	})

	streamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skywatch_stream_bytes_total",
		Help: "Bytes written to stream clients.",
	})

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skywatch_stream_errors_total",
			Help: "Stream errors by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		refreshTotal,
		refreshDurationSeconds,
		trackedSatellites,
		aboveHorizonSatellites,
		visibleSatellites,
		trackFailuresTotal,
		catalogSize,
		catalogFetchedTimestamp,
		catalogFetchTotal,
		modelCacheSize,
		modelCacheLookups,
		remoteRequestsTotal,
		streamConnections,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRefresh records one completed refresh cycle.
func ObserveRefresh(source string, ok bool, d time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	refreshTotal.WithLabelValues(source, outcome).Inc()
	refreshDurationSeconds.Observe(d.Seconds())
}

// SetSnapshotCounts publishes the counts of the latest snapshot.
func SetSnapshotCounts(tracked, above, visible int) {
	trackedSatellites.Set(float64(tracked))
	aboveHorizonSatellites.Set(float64(above))
	visibleSatellites.Set(float64(visible))
}

// AddTrackFailures adds n dropped objects for reason.
func AddTrackFailures(reason string, n int) {
	if n > 0 {
		trackFailuresTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// SetCatalog records the size and fetch time of the loaded catalog.
func SetCatalog(size int, fetchedAt time.Time) {
	catalogSize.Set(float64(size))
	catalogFetchedTimestamp.Set(float64(fetchedAt.Unix()))
}

// IncCatalogFetch counts a catalog fetch attempt.
func IncCatalogFetch(ok bool) {
	if ok {
		catalogFetchTotal.WithLabelValues("ok").Inc()
		return
	}
	catalogFetchTotal.WithLabelValues("error").Inc()
}

// SetModelCacheSize records how many SGP4 models are cached.
func SetModelCacheSize(n int) {
	modelCacheSize.Set(float64(n))
}

// IncModelCache counts a model cache lookup.
func IncModelCache(hit bool) {
	if hit {
		modelCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	modelCacheLookups.WithLabelValues("miss").Inc()
}

// IncRemoteRequest counts a request to the remote tracking service.
func IncRemoteRequest(endpoint string, code int) {
	remoteRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// StreamConnected adjusts the open stream gauge by delta.
func StreamConnected(delta int) {
	streamConnections.Add(float64(delta))
}

// IncStreamMessages counts one event written to a client.
func IncStreamMessages() {
	streamMessagesTotal.Inc()
}

// AddStreamBytes counts bytes written to a client.
func AddStreamBytes(n int64) {
	streamBytesTotal.Add(float64(n))
}

// IncStreamErrors counts a stream error of the given kind.
func IncStreamErrors(kind string) {
	streamErrorsTotal.WithLabelValues(kind).Inc()
}

// knownRoutes are exact paths served by the API.
var knownRoutes = map[string]bool{
	"/":                        true,
	"/healthz":                 true,
	"/readyz":                  true,
	"/metrics":                 true,
	"/api/v1/snapshot":         true,
	"/api/v1/observer":         true,
	"/api/v1/refresh":          true,
	"/api/v1/catalog/metadata": true,
	"/api/v1/catalog/fetch":    true,
	"/api/v1/stream/snapshots": true,
}

// paramRoutes collapse a trailing path parameter into one label.
var paramRoutes = []struct {
	prefix string
	label  string
}{
	{"/api/v1/satellites/", "/api/v1/satellites/{catalog_id}"},
	{"/api/v1/passes/", "/api/v1/passes/{catalog_id}"},
}

// normalizeRoute maps a request path onto a bounded set of labels so bots
// and per-object routes cannot blow up label cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	for _, r := range paramRoutes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		if _, err := strconv.Atoi(rest); err == nil {
			return r.label
		}
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streaming handlers keep working.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
