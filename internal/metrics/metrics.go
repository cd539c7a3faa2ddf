// Package metrics exposes Prometheus metrics for the storage dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikicat/storage-dispatcher/internal/helper"
)

// Metrics holds every collector. Each instance registers on its own
// registry so tests do not collide.
type Metrics struct {
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallsInFlight prometheus.Gauge

	AuthorizationsTotal *prometheus.CounterVec

	HelperRunsTotal *prometheus.CounterVec
	HelperDuration  *prometheus.HistogramVec

	ConnectionAttemptsTotal *prometheus.CounterVec
	ProcessesSignalledTotal prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_dispatcher_calls_total",
			Help: "D-Bus method calls handled, by method and result (ok, denied, rejected, error).",
		}, []string{"method", "result"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_dispatcher_call_duration_seconds",
			Help:    "Duration of D-Bus method calls, including authorization.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"method"}),

		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storage_dispatcher_calls_in_flight",
			Help: "Method calls currently being handled.",
		}),

		AuthorizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_dispatcher_authorizations_total",
			Help: "polkit decisions, by action and decision (allowed, denied).",
		}, []string{"action", "decision"}),

		HelperRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_dispatcher_helper_runs_total",
			Help: "Privileged helper invocations, by operation and final state.",
		}, []string{"op", "state"}),

		HelperDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_dispatcher_helper_duration_seconds",
			Help:    "Wall time of privileged helper invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		ConnectionAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_dispatcher_connection_attempts_total",
			Help: "Connection establishment attempts, by connection and result (ok, error).",
		}, []string{"connection", "result"}),

		ProcessesSignalledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_dispatcher_processes_signalled_total",
			Help: "Processes sent SIGTERM to release a busy mount.",
		}),
	}

	reg.MustRegister(
		m.CallsTotal,
		m.CallDuration,
		m.CallsInFlight,
		m.AuthorizationsTotal,
		m.HelperRunsTotal,
		m.HelperDuration,
		m.ConnectionAttemptsTotal,
		m.ProcessesSignalledTotal,
	)
	return m
}

// ObserveCall records a finished method call.
func (m *Metrics) ObserveCall(method, result string, elapsed time.Duration) {
	m.CallsTotal.WithLabelValues(method, result).Inc()
	m.CallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveAuthorization matches polkit.Observer.
func (m *Metrics) ObserveAuthorization(action string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.AuthorizationsTotal.WithLabelValues(action, decision).Inc()
}

// ObserveHelper matches helper.Observer.
func (m *Metrics) ObserveHelper(op helper.Op, state helper.State, elapsed time.Duration) {
	m.HelperRunsTotal.WithLabelValues(string(op), state.String()).Inc()
	m.HelperDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// ObserveConnection matches busconn.Observer.
func (m *Metrics) ObserveConnection(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ConnectionAttemptsTotal.WithLabelValues(name, result).Inc()
}

// ObserveSignalled counts processes signalled during unmount.
func (m *Metrics) ObserveSignalled(n int) {
	m.ProcessesSignalledTotal.Add(float64(n))
}
