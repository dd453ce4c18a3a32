package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	if d := timer.Duration(); d < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	NewTimer().ObserveDurationVec(vec, "all-issues")
	NewTimer().ObserveDurationVec(vec, "all-issues")

	if got := testutil.CollectAndCount(vec); got != 1 {
		t.Errorf("series = %d, want 1", got)
	}
}

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(EventsEmitted.WithLabelValues("upsert"))
	EventsEmitted.WithLabelValues("upsert").Inc()
	if got := testutil.ToFloat64(EventsEmitted.WithLabelValues("upsert")); got != before+1 {
		t.Errorf("events = %v, want %v", got, before+1)
	}
}
