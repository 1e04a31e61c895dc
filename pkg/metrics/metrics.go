// Package metrics exposes Prometheus counters, gauges, and histograms for
// the delegator and executor daemons, and the Timer helper used to record
// operation durations against them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DelegationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "awcp_delegations_total",
			Help: "Delegation record writes, by state at the time of the write",
		},
		[]string{"state"},
	)

	AssignmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "awcp_assignments_total",
			Help: "Assignment record writes, by state at the time of the write",
		},
		[]string{"state"},
	)

	DelegateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "awcp_delegate_duration_seconds",
			Help:    "Duration of delegate() calls, through sending START or failing",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "awcp_task_duration_seconds",
			Help:    "Time spent in the executor's task function, by outcome",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"outcome"},
	)

	TransportBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awcp_transport_bytes_total",
			Help: "Bytes moved through a transport adapter",
		},
		[]string{"transport", "direction"},
	)

	TransportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awcp_transport_errors_total",
			Help: "Transport adapter failures by kind and code",
		},
		[]string{"transport", "code"},
	)

	SSEReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "awcp_sse_reconnects_total",
			Help: "SSE connection establishment retries performed by the executor client",
		},
	)

	SweepReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awcp_sweep_releases_total",
			Help: "Entities released by the cleanup timer, by entity kind",
		},
		[]string{"kind"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awcp_http_requests_total",
			Help: "HTTP requests handled, by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "awcp_http_request_duration_seconds",
			Help:    "HTTP handler latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// NewRegistry builds a private prometheus.Registry with every AWCP metric
// registered. Each daemon process owns its own registry rather than relying
// on the global default one, so delegator and executor tests in the same
// binary don't collide on duplicate registration.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		DelegationsTotal,
		AssignmentsTotal,
		DelegateDuration,
		TaskDuration,
		TransportBytesTotal,
		TransportErrorsTotal,
		SSEReconnectsTotal,
		SweepReleasesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
	return reg
}

// Handler returns the Prometheus HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Timer measures elapsed time since it was created.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
