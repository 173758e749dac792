// Package metrics holds the Prometheus collectors of the R&D loop.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	generations      *prometheus.CounterVec
	repairs          *prometheus.CounterVec
	executions       *prometheus.CounterVec
	executionSeconds prometheus.Histogram
	appends          *prometheus.CounterVec
	generatorCalls   *prometheus.CounterVec
	activeRuns       prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdloop_generations_total",
			Help: "Completed generations by decision outcome",
		}, []string{"reason"}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdloop_repairs_total",
			Help: "Implementation repairs by strategy",
		}, []string{"strategy"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdloop_executions_total",
			Help: "Sandbox executions by status",
		}, []string{"status"}),
		executionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rdloop_execution_seconds",
			Help:    "Sandbox execution wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5m
		}),
		appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdloop_workspace_appends_total",
			Help: "Workspace appends by result",
		}, []string{"result"}),
		generatorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rdloop_generator_calls_total",
			Help: "Generative capability calls by purpose and result",
		}, []string{"purpose", "result"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "rdloop_active_runs",
			Help: "Runs currently executing in this process",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Generation counts a decided generation by outcome: accepted, rejected or failed.
func (m *Metrics) Generation(reason string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(reason).Inc()
}

func (m *Metrics) Repair(strategy string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(strategy).Inc()
}

// Execution records one sandbox execution.
func (m *Metrics) Execution(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.executionSeconds.Observe(d.Seconds())
}

// ObserveAppend implements workspace.AppendObserver.
func (m *Metrics) ObserveAppend(result string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(result).Inc()
}

func (m *Metrics) GeneratorCall(purpose, result string) {
	if m == nil {
		return
	}
	m.generatorCalls.WithLabelValues(purpose, result).Inc()
}

// RunStarted and RunFinished track in-process runs.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}
