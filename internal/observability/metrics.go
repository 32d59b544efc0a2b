package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	coachTurnsStarted     prometheus.Counter
	coachTurnsReplayed    prometheus.Counter
	coachTurnsCompleted   prometheus.Counter
	streamChunksTotal     prometheus.Counter
	streamFailuresTotal   prometheus.Counter
	streamConnectionCount prometheus.Counter
	insightsRequestsTotal *prometheus.CounterVec
	insightsLatencySecs   prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used across the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalcoach_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalcoach_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalcoach_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		coachTurnsStarted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalcoach_coach_turns_started_total",
			Help: "Number of newly admitted coaching turns.",
		})

		coachTurnsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalcoach_coach_turns_replayed_total",
			Help: "Number of idempotent coaching turn replays.",
		})

		coachTurnsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalcoach_coach_turns_completed_total",
			Help: "Number of coaching turns whose reply finalized.",
		})

		streamChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalcoach_stream_chunks_total",
			Help: "Number of assistant reply chunks persisted and fanned out.",
		})

		streamFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalcoach_stream_failures_total",
			Help: "Number of coach streams that ended before finalizing.",
		})

		streamConnectionCount = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evalcoach_stream_connections_total",
			Help: "Number of stream subscriptions accepted.",
		})

		insightsRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalcoach_insights_requests_total",
			Help: "Insights requests partitioned by cache result.",
		}, []string{"result"})

		insightsLatencySecs = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evalcoach_insights_latency_seconds",
			Help:    "Latency distribution for insights computations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			coachTurnsStarted,
			coachTurnsReplayed,
			coachTurnsCompleted,
			streamChunksTotal,
			streamFailuresTotal,
			streamConnectionCount,
			insightsRequestsTotal,
			insightsLatencySecs,
		)
	})
}

// APIRequests exposes the counter for served requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for served requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// CoachTurnsStarted exposes the counter for newly admitted turns.
func CoachTurnsStarted() prometheus.Counter {
	RegisterMetrics()
	return coachTurnsStarted
}

// CoachTurnsReplayed exposes the counter for idempotent replays.
func CoachTurnsReplayed() prometheus.Counter {
	RegisterMetrics()
	return coachTurnsReplayed
}

// CoachTurnsCompleted exposes the counter for finalized turns.
func CoachTurnsCompleted() prometheus.Counter {
	RegisterMetrics()
	return coachTurnsCompleted
}

// StreamChunks exposes the counter for persisted reply chunks.
func StreamChunks() prometheus.Counter {
	RegisterMetrics()
	return streamChunksTotal
}

// StreamFailures exposes the counter for interrupted streams.
func StreamFailures() prometheus.Counter {
	RegisterMetrics()
	return streamFailuresTotal
}

// StreamConnections exposes the counter for accepted stream subscriptions.
func StreamConnections() prometheus.Counter {
	RegisterMetrics()
	return streamConnectionCount
}

// InsightsRequests exposes the counter for insights cache results.
func InsightsRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return insightsRequestsTotal
}

// InsightsLatency exposes the histogram for insights computations.
func InsightsLatency() prometheus.Histogram {
	RegisterMetrics()
	return insightsLatencySecs
}
