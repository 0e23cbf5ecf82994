package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	assert.GreaterOrEqual(t, timer.Duration(), 20*time.Millisecond)
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_call_duration_seconds", Help: "test"},
		[]string{"call"},
	)

	NewTimer().ObserveDurationVec(vec, "readPod")
	NewTimer().ObserveDurationVec(vec, "readPod")

	require.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestCollectorsRegistered(t *testing.T) {
	FibersTotal.WithLabelValues("succeeded").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(FibersTotal.WithLabelValues("succeeded")), 1.0)
}
