package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry_HandlerServesCustomAndDefaultCollectors(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuejob_test_registry_total",
		Help: "Counter used by registry tests",
	})
	if err := registry.Register(counter); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	counter.Add(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	if !strings.Contains(text, "queuejob_test_registry_total 3") {
		t.Fatalf("custom counter missing from output")
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("default go collector missing from output")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queuejob_test_unregister", Help: "x"})
	registry.MustRegister(gauge)

	if !registry.Unregister(gauge) {
		t.Fatal("expected Unregister to return true")
	}
	if registry.Unregister(gauge) {
		t.Fatal("expected second Unregister to return false")
	}
}
