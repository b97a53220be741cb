package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 100 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()

	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}
	if duration > 2*sleepDuration {
		t.Errorf("Timer.Duration() = %v, want < %v", duration, 2*sleepDuration)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_reap_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(50 * time.Millisecond)

	timer.ObserveDuration(histogram)

	if timer.Duration() == 0 {
		t.Error("Timer.ObserveDuration() recorded zero duration")
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_queue_wait_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"container_id"},
	)

	timer := NewTimer()
	time.Sleep(50 * time.Millisecond)

	timer.ObserveDurationVec(histogramVec, "c1")

	if timer.Duration() == 0 {
		t.Error("Timer.ObserveDurationVec() recorded zero duration")
	}
}

func TestTimerMultipleCalls(t *testing.T) {
	timer := NewTimer()

	time.Sleep(50 * time.Millisecond)
	duration1 := timer.Duration()

	time.Sleep(50 * time.Millisecond)
	duration2 := timer.Duration()

	if duration2 <= duration1 {
		t.Errorf("second Duration() call should be longer: first=%v, second=%v", duration1, duration2)
	}
}

// TestMetricsRegisteredOnce guards against a duplicate-registration panic from promauto if
// this package's vars are ever accidentally declared twice (e.g. a copy-paste of a CounterVec
// block during a future metric addition).
func TestMetricsRegisteredOnce(t *testing.T) {
	if ContainersTotal == nil || ContainersRunning == nil || RowsEmittedTotal == nil ||
		RowsDroppedTotal == nil || QueueDepth == nil || WatchdogTriggersTotal == nil ||
		SupervisorReapDuration == nil {
		t.Fatal("one or more package metrics are nil")
	}

	ContainersTotal.WithLabelValues("TERMINATED").Inc()
	ContainersRunning.Inc()
	ContainersRunning.Dec()
	RowsEmittedTotal.WithLabelValues("t").Inc()
	RowsDroppedTotal.WithLabelValues("t").Inc()
	QueueDepth.WithLabelValues("c1").Set(3)
	WatchdogTriggersTotal.Inc()
}
