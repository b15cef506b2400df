// Package metrics exposes the Prometheus counters/histograms the Python
// original's observability.py defined, reproduced with
// github.com/prometheus/client_golang (supplemented per SPEC_FULL.md §5.1
// — no example repo in the pack carries a Prometheus client, so this is
// the direct Go equivalent of the original's prometheus_client, named
// rather than grounded).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_http_requests_total",
		Help: "Total HTTP requests handled by the control plane.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nimbus_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	JobSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_job_submissions_total",
		Help: "Total jobs submitted, by job_type and provider.",
	}, []string{"job_type", "provider"})

	JobCancellationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_job_cancellations_total",
		Help: "Total cancellation requests, by provider.",
	}, []string{"provider"})

	JobsStateTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nimbus_jobs_state_total",
		Help: "Current count of jobs in each state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobSubmissionsTotal,
		JobCancellationsTotal,
		JobsStateTotal,
	)
}

// Handler returns the Prometheus text-exposition HTTP handler for GET
// /metrics (spec.md §6.1).
func Handler() http.Handler {
	return promhttp.Handler()
}
