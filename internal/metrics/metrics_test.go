package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveEmbed("cpu", "embed", nil, time.Millisecond)
	m.AddInFlight("cpu", 1)
	m.AddPermits("pooled", 1)
	m.IncNaN("pooled")
	m.IncPoolRetry("pooled")
	m.IncPoolFault("pooled")
	m.SetQueueLength(3)
	m.IncCacheLookup("hit")
	m.AddWorkerChunks("ok", 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestHandlerExposesEngineMetrics(t *testing.T) {
	m := New(Config{Namespace: "embedder"})

	m.ObserveEmbed("pooled", "batch_embed", nil, 10*time.Millisecond)
	m.ObserveEmbed("pooled", "embed", errors.New("boom"), time.Millisecond)
	m.IncNaN("pooled")
	m.SetQueueLength(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`embedder_embed_requests_total{backend="pooled",op="batch_embed",status="success"} 1`,
		`embedder_embed_requests_total{backend="pooled",op="embed",status="error"} 1`,
		`embedder_nan_vectors_total{backend="pooled"} 1`,
		`embedder_embed_queue_length 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Metrics output missing %q", want)
		}
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New(Config{})
	b := New(Config{})
	if a.Registry == b.Registry {
		t.Error("Expected distinct registries")
	}
}
