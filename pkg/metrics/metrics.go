package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	PartitionsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a653hv_partitions_scheduled_total",
			Help: "Total number of partition windows dispatched, by partition",
		},
		[]string{"partition"},
	)

	PartitionWindowOverrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a653hv_partition_window_overruns_total",
			Help: "Total number of TimeDurationExceeded health events, by partition",
		},
		[]string{"partition"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "a653hv_scheduling_latency_seconds",
			Help:    "Time taken to compute and validate a major-frame schedule",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Health-monitor metrics
	HealthActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a653hv_health_actions_total",
			Help: "Total number of health-monitor recovery actions taken, by level and action",
		},
		[]string{"level", "action"},
	)
)

func init() {
	prometheus.MustRegister(PartitionsScheduledTotal)
	prometheus.MustRegister(PartitionWindowOverrunsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(HealthActionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
