package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "meshd"

	jobsSubmittedTotal = "jobs_submitted_total"
	jobsCompletedTotal = "jobs_completed_total"
	jobDurationSeconds = "job_duration_seconds"
	queueDepth         = "queue_depth"
	busySlots          = "busy_slots"

	// Labels
	statusLabel = "status"
)

/**
* Metrics definition
**/
var jobsSubmittedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      jobsSubmittedTotal,
		Help:      "number of jobs accepted for processing",
	},
)

var jobsCompletedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      jobsCompletedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{statusLabel},
)

var jobDurationSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      jobDurationSeconds,
		Help:      "time from start of execution to terminal status",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	},
	[]string{statusLabel},
)

var queueDepthMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      queueDepth,
		Help:      "number of jobs waiting for an execution slot",
	},
)

var busySlotsMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      busySlots,
		Help:      "number of execution slots currently running a job",
	},
)

func IncreaseJobsSubmittedMetric() {
	jobsSubmittedTotalMetric.Inc()
}

// ObserveJobCompleted records a terminal status and how long the execution took.
func ObserveJobCompleted(status string, elapsed time.Duration) {
	labels := prometheus.Labels{statusLabel: status}
	jobsCompletedTotalMetric.With(labels).Inc()
	jobDurationSecondsMetric.With(labels).Observe(elapsed.Seconds())
}

// QueueObserver feeds queue gauges. It satisfies jobs.QueueObserver.
type QueueObserver struct{}

func (QueueObserver) QueueDepth(n int) { queueDepthMetric.Set(float64(n)) }
func (QueueObserver) BusySlots(n int)  { busySlotsMetric.Set(float64(n)) }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedTotalMetric)
	prometheus.MustRegister(jobsCompletedTotalMetric)
	prometheus.MustRegister(jobDurationSecondsMetric)
	prometheus.MustRegister(queueDepthMetric)
	prometheus.MustRegister(busySlotsMetric)
}
