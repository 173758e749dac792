package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Generation("continue")
	m.Repair("localized")
	m.Execution("success", time.Second)
	m.ObserveAppend("inserted")
	m.GeneratorCall("propose", "ok")
	m.RunStarted()
	m.RunFinished()
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Execution("timeout", 2*time.Second)
	m.Execution("timeout", time.Second)
	m.ObserveAppend("duplicate")

	var pb dto.Metric
	if err := m.executions.WithLabelValues("timeout").Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := pb.GetCounter().GetValue(); got != 2 {
		t.Errorf("executions{timeout} = %v, want 2", got)
	}
	pb.Reset()
	if err := m.appends.WithLabelValues("duplicate").Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := pb.GetCounter().GetValue(); got != 1 {
		t.Errorf("appends{duplicate} = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Generation("succeeded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `rdloop_generations_total{reason="succeeded"} 1`) {
		t.Errorf("metrics output missing generation counter:\n%s", body)
	}
}
