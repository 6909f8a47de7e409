package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ojeval/internal/evalmgr/model"
)

// Metrics collects orchestrator metrics under the "evalmgr" namespace.
// A nil *Metrics records nothing.
type Metrics struct {
	inflight        prometheus.Gauge
	outcomes        *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	transfers       *prometheus.CounterVec
	handlerFailures prometheus.Counter
	dispatched      *prometheus.CounterVec
}

// NewMetrics registers the collectors with registry, or the default
// registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "evalmgr",
			Name:      "inflight_jobs",
			Help:      "Jobs currently executing recipe steps",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalmgr",
			Name:      "job_outcomes_total",
			Help:      "Job runs by outcome",
		}, []string{"outcome"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evalmgr",
			Name:      "step_latency_ms",
			Help:      "Recipe step duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"handler", "status"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalmgr",
			Name:      "transfers_total",
			Help:      "Job hand-offs to external systems",
		}, []string{"transfer_func", "status"}),
		handlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "evalmgr",
			Name:      "error_handler_failures_total",
			Help:      "Error handlers that failed themselves",
		}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalmgr",
			Name:      "dispatched_total",
			Help:      "Environs published to the work queue",
		}, []string{"priority"}),
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) jobFinished(outcome model.Outcome) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeStep(handler string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(handler, statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) observeTransfer(fn string, err error) {
	if m != nil {
		m.transfers.WithLabelValues(fn, statusLabel(err)).Inc()
	}
}

func (m *Metrics) errorHandlerFailed() {
	if m != nil {
		m.handlerFailures.Inc()
	}
}

func (m *Metrics) observeDispatch(priority model.Priority) {
	if m != nil {
		m.dispatched.WithLabelValues(string(priority)).Inc()
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
