// Package metrics exposes spiderd's Prometheus metrics: container lifecycle counts, emitted
// row throughput, emission queue depth, and watchdog triggers.
//
// Grounded on cuemby-warren/pkg/metrics/metrics.go's package-level Gauge/GaugeVec/Counter/
// CounterVec/Histogram vars registered in init(), plus its Timer helper — the same library
// and shape, with cluster/raft/ingress/deployment families replaced by container/row/queue/
// watchdog families.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal counts the transitions the Supervisor Monitor makes when it reaps an
	// exited worker (to TERMINATED or TIMER_WAITING), by resulting status.
	ContainersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderd",
		Subsystem: "container",
		Name:      "transitions_total",
		Help:      "Total container transitions made on reaping an exited worker, by resulting status.",
	}, []string{"status"})

	// ContainersRunning is the current count of RUNNING containers.
	ContainersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spiderd",
		Subsystem: "container",
		Name:      "running",
		Help:      "Number of containers currently in the RUNNING state.",
	})

	// RowsEmittedTotal counts rows successfully inserted into the shared data store, by table.
	RowsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderd",
		Subsystem: "worker",
		Name:      "rows_emitted_total",
		Help:      "Total rows inserted into the shared data store, by table.",
	}, []string{"table"})

	// RowsDroppedTotal counts rows dropped for a type mismatch against a table's established schema.
	RowsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderd",
		Subsystem: "worker",
		Name:      "rows_dropped_total",
		Help:      "Total rows dropped due to a type mismatch against a table's established schema.",
	}, []string{"table"})

	// QueueDepth is the current emission queue depth of a running worker, by container.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spiderd",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Current emission queue depth.",
	}, []string{"container_id"})

	// WatchdogTriggersTotal counts watchdog timer firings.
	WatchdogTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spiderd",
		Subsystem: "worker",
		Name:      "watchdog_triggers_total",
		Help:      "Total watchdog timer firings.",
	})

	// SupervisorReapDuration measures how long one Supervisor Monitor poll pass takes.
	SupervisorReapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spiderd",
		Subsystem: "supervisor",
		Name:      "reap_duration_seconds",
		Help:      "Duration of one Supervisor Monitor poll pass.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Handler returns the HTTP handler that serves metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration and records it into a Histogram or HistogramVec on
// completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time since NewTimer into hv with the given labels.
func (t *Timer) ObserveDurationVec(hv *prometheus.HistogramVec, labels ...string) {
	hv.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since NewTimer without recording it anywhere.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
