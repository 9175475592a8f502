package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	aiDurationBuckets      = []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	// Resource store metrics
	StoreOperationsTotal      *prometheus.CounterVec
	StoreOperationDuration    *prometheus.HistogramVec
	PreconditionFailuresTotal *prometheus.CounterVec
	ActiveWorkspaces          prometheus.Gauge

	// Document metrics
	DocumentExportsTotal *prometheus.CounterVec
	ArchiveWritesTotal   *prometheus.CounterVec

	// AI generation metrics
	AIGenerationsTotal    *prometheus.CounterVec
	AIGenerationDuration  prometheus.Histogram
	IdempotencyHitsTotal  prometheus.Counter
	AIRateLimitedTotal    prometheus.Counter

	// System metrics
	DefinitionLoadTotal      *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
	BackendOperationsIndexed prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grc_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grc_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grc_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_backend_requests_total",
			Help: "Total GRC backend requests.",
		}, []string{"method", "route", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grc_backend_request_duration_seconds",
			Help:    "GRC backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"route"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grc_backend_circuit_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_backend_retries_total",
			Help: "Total backend request retries.",
		}, []string{"route"}),

		// Stores
		StoreOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_store_operations_total",
			Help: "Total resource store operations.",
		}, []string{"domain", "operation", "outcome"}),
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grc_store_operation_duration_seconds",
			Help:    "Resource store operation duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"domain", "operation"}),
		PreconditionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_precondition_failures_total",
			Help: "Lifecycle actions refused because of the resource status.",
		}, []string{"domain", "action"}),
		ActiveWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grc_active_workspaces",
			Help: "Number of tenant workspaces held in memory.",
		}),

		// Documents
		DocumentExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_document_exports_total",
			Help: "Total document exports.",
		}, []string{"template", "format"}),
		ArchiveWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_archive_writes_total",
			Help: "Total export archive writes.",
		}, []string{"driver", "outcome"}),

		// AI generation
		AIGenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_ai_generations_total",
			Help: "Total AI document generations.",
		}, []string{"document_type", "outcome"}),
		AIGenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grc_ai_generation_duration_seconds",
			Help:    "AI document generation duration in seconds.",
			Buckets: aiDurationBuckets,
		}),
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grc_idempotency_hits_total",
			Help: "Generation requests answered from the idempotency store.",
		}),
		AIRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grc_ai_rate_limited_total",
			Help: "Generation requests refused by the per-tenant rate limit.",
		}),

		// System
		DefinitionLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grc_definition_load_total",
			Help: "Total definition loads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grc_definitions_loaded",
			Help: "Number of loaded resource definitions.",
		}),
		BackendOperationsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grc_backend_operations_indexed",
			Help: "Number of indexed backend OpenAPI operations.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Stores
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.PreconditionFailuresTotal,
		m.ActiveWorkspaces,
		// Documents
		m.DocumentExportsTotal,
		m.ArchiveWritesTotal,
		// AI
		m.AIGenerationsTotal,
		m.AIGenerationDuration,
		m.IdempotencyHitsTotal,
		m.AIRateLimitedTotal,
		// System
		m.DefinitionLoadTotal,
		m.DefinitionsLoaded,
		m.BackendOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordBackendRequest records a backend request. Status 0 means the request
// never got a response.
func (m *Metrics) RecordBackendRequest(method, route string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(route string) {
	m.BackendRetriesTotal.WithLabelValues(route).Inc()
}

// RecordStoreOperation records a resource store operation.
func (m *Metrics) RecordStoreOperation(domain, operation, outcome string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(domain, operation, outcome).Inc()
	m.StoreOperationDuration.WithLabelValues(domain, operation).Observe(duration.Seconds())
}

// RecordPreconditionFailure records a lifecycle action refused by status.
func (m *Metrics) RecordPreconditionFailure(domain, action string) {
	m.PreconditionFailuresTotal.WithLabelValues(domain, action).Inc()
}

// SetActiveWorkspaces sets the number of tenant workspaces.
func (m *Metrics) SetActiveWorkspaces(n int) {
	m.ActiveWorkspaces.Set(float64(n))
}

// RecordDocumentExport records a document export.
func (m *Metrics) RecordDocumentExport(template, format string) {
	m.DocumentExportsTotal.WithLabelValues(template, format).Inc()
}

// RecordArchiveWrite records an export archive write.
func (m *Metrics) RecordArchiveWrite(driver, outcome string) {
	m.ArchiveWritesTotal.WithLabelValues(driver, outcome).Inc()
}

// RecordAIGeneration records an AI document generation.
func (m *Metrics) RecordAIGeneration(documentType, outcome string, duration time.Duration) {
	m.AIGenerationsTotal.WithLabelValues(documentType, outcome).Inc()
	m.AIGenerationDuration.Observe(duration.Seconds())
}

// RecordIdempotencyHit records a replayed generation.
func (m *Metrics) RecordIdempotencyHit() {
	m.IdempotencyHitsTotal.Inc()
}

// RecordAIRateLimited records a generation refused by the rate limit.
func (m *Metrics) RecordAIRateLimited() {
	m.AIRateLimitedTotal.Inc()
}

// RecordDefinitionLoad records a definition load.
func (m *Metrics) RecordDefinitionLoad(status string) {
	m.DefinitionLoadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded resource definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	m.DefinitionsLoaded.Set(float64(count))
}

// SetBackendOperationsIndexed sets the number of indexed backend operations.
func (m *Metrics) SetBackendOperationsIndexed(count int) {
	m.BackendOperationsIndexed.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, RoutePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
