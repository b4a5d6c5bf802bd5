package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that label dimensions match usage across client, persist,
// ingest, service and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/api/data", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/api/data").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("weather", "success").Inc()
	UpstreamDuration.WithLabelValues("air_pollution", "server_error").Observe(0.1)
	UpstreamRetriesTotal.WithLabelValues("weather").Inc()
	TransportDegraded.Set(0)
	AirPayloadDegradedTotal.Inc()
	AQIRejectedTotal.WithLabelValues("batch").Inc()
	BatchRowsTotal.WithLabelValues("accepted").Inc()
	StoreWritesTotal.WithLabelValues("dynamodb", "success").Inc()
	BlobWritesTotal.WithLabelValues("raw", "error").Inc()
	IngestRunsTotal.WithLabelValues("ok").Inc()
	SecretFetchesTotal.WithLabelValues("success").Inc()
	CacheHitsTotal.WithLabelValues("dashboard").Inc()
	CircuitBreakerState.WithLabelValues("store").Set(0)
}

func TestStatusLabel(t *testing.T) {
	if got := StatusLabel(nil); got != "success" {
		t.Errorf("StatusLabel(nil) = %q, want success", got)
	}
	if got := StatusLabel(errors.New("boom")); got != "error" {
		t.Errorf("StatusLabel(err) = %q, want error", got)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	IngestRunsTotal.WithLabelValues("ok").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "ingestRunsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
