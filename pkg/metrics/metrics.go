package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmigrate_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zmigrate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Token metrics
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmigrate_tokens_issued_total",
			Help: "Total number of capability tokens issued by operation",
		},
		[]string{"operation"},
	)

	TokensRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zmigrate_tokens_revoked_total",
			Help: "Total number of capability tokens revoked",
		},
	)

	TokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmigrate_token_validations_total",
			Help: "Total number of token validations by outcome",
		},
		[]string{"outcome"},
	)

	ActiveTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmigrate_tokens_active",
			Help: "Number of live capability tokens",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmigrate_jobs_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmigrate_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zmigrate_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zmigrate_job_duration_seconds",
			Help:    "Replication job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// Replication metrics
	ReplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zmigrate_replications_total",
			Help: "Total number of replication runs by final state",
		},
		[]string{"state"},
	)

	BytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zmigrate_bytes_transferred_total",
			Help: "Total bytes moved through replication pipelines",
		},
	)

	// Stream metrics
	StreamConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zmigrate_stream_connections_active",
			Help: "Active stream connections by listener",
		},
		[]string{"listener"},
	)

	StreamAuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zmigrate_stream_auth_failures_total",
			Help: "Total number of rejected stream authentications",
		},
	)
)

func init() {
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(TokensRevoked)
	prometheus.MustRegister(TokenValidations)
	prometheus.MustRegister(ActiveTokens)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ReplicationsTotal)
	prometheus.MustRegister(BytesTransferred)
	prometheus.MustRegister(StreamConnections)
	prometheus.MustRegister(StreamAuthFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
