package observability_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"MarginIndexer/internal/observability"
)

func TestReadiness_ReportsLastCycle(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	h.RecordCycle(errors.New("PositionClosed: source unavailable"))
	h.SetReady(true)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ready" || body["last_cycle_error"] == "" || body["last_cycle_at"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	h.RecordCycle(nil)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	body = map[string]string{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body["last_cycle_error"]; ok {
		t.Fatalf("error should clear after a clean cycle: %v", body)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances must not collide when each gets its own registry.
	observability.NewMetrics(prometheus.NewRegistry())
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.EventsApplied.WithLabelValues("PositionOpened").Inc()
}
