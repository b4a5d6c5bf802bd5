package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the dashboard. Watch for: sudden drops (service down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// Dashboard latency per request. Watch for: p95/p99 increases when the keyed store slows down.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent dashboard requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream telemetry API call rate by endpoint (weather, air_pollution) and status.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency per attempt. Watch for: p99 near the per-call timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts for upstream calls. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal *prometheus.CounterVec

	// 1 while the single-attempt fallback transport is in use.
	TransportDegraded prometheus.Gauge

	// Air-quality payloads whose structure did not match and whose fields were nulled.
	AirPayloadDegradedTotal prometheus.Counter

	// aqi values outside 1..5 or not integral, by ingestion path (live, batch).
	AQIRejectedTotal *prometheus.CounterVec

	// Batch import rows by result (accepted, rejected).
	BatchRowsTotal *prometheus.CounterVec

	// Keyed store writes by backend and status.
	StoreWritesTotal *prometheus.CounterVec

	// Blob snapshot writes by target (raw, processed, export) and status.
	BlobWritesTotal *prometheus.CounterVec

	// Ingestion invocations by outcome (ok, error, missing_api_key).
	IngestRunsTotal *prometheus.CounterVec

	// Secret fetches that reached the secret source, by status. Cached reads are not counted.
	SecretFetchesTotal *prometheus.CounterVec

	// Dashboard cache hits.
	CacheHitsTotal *prometheus.CounterVec

	// Rate limit denials on /api/data.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state for keyed store reads (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of telemetry API calls",
		},
		[]string{"endpoint", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Telemetry API latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for telemetry API calls",
		},
		[]string{"endpoint"},
	)
	TransportDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transportDegraded",
			Help: "1 when the fallback single-attempt transport is in use",
		},
	)
	AirPayloadDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "airPayloadDegradedTotal",
			Help: "Air-quality payloads that did not match the expected structure",
		},
	)
	AQIRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqiRejectedTotal",
			Help: "aqi values rejected for being outside the 1-5 category scale",
		},
		[]string{"path"},
	)
	BatchRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchRowsTotal",
			Help: "Batch import rows by result",
		},
		[]string{"result"},
	)
	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeWritesTotal",
			Help: "Keyed store writes by backend and status",
		},
		[]string{"backend", "status"},
	)
	BlobWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobWritesTotal",
			Help: "Blob snapshot writes by target and status",
		},
		[]string{"target", "status"},
	)
	IngestRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestRunsTotal",
			Help: "Ingestion invocations by outcome",
		},
		[]string{"outcome"},
	)
	SecretFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretFetchesTotal",
			Help: "Secret source fetches by status",
		},
		[]string{"status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of dashboard cache hits",
		},
		[]string{"cacheType"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal, TransportDegraded,
		AirPayloadDegradedTotal, AQIRejectedTotal, BatchRowsTotal,
		StoreWritesTotal, BlobWritesTotal, IngestRunsTotal, SecretFetchesTotal,
		CacheHitsTotal, RateLimitDeniedTotal, CircuitBreakerState,
	)
}

// StatusLabel maps an error to the "success"/"error" label used by write counters.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
