package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttersense_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttersense_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttersense_teams_total",
			Help: "Total number of teams",
		},
	)

	// Coordinator metrics
	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_jobs_claimed_total",
			Help: "Total number of successful job claims",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_jobs_retried_total",
			Help: "Total number of jobs returned to the queue for retry",
		},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shuttersense_claim_latency_seconds",
			Help:    "Time taken to resolve a claim request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Liveness metrics
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
	)

	AgentsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_agents_swept_total",
			Help: "Total number of agents marked offline by the sweep",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttersense_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shuttersense_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
	)

	// Broadcast metrics
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttersense_stream_subscribers",
			Help: "Current number of websocket stream subscribers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(JobsClaimed)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(ClaimLatency)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(AgentsSwept)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(StreamSubscribers)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
