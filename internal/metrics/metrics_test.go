package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObserveSyncCycle("normal", 250*time.Millisecond, 72)
		SetQueueDepth("pending", 3)
		ObserveCacheRead("schools", "fresh")
		AddCacheEvictions("schools", "lru", 0)
	})
}

func TestActionCounters(t *testing.T) {
	before := counterValue(t, actionsQueued.WithLabelValues("check-in"))
	IncQueued("check-in")
	assert.Equal(t, before+1, counterValue(t, actionsQueued.WithLabelValues("check-in")))

	ObserveAction("check-out", "failed")
	assert.GreaterOrEqual(t, counterValue(t, actionOutcomes.WithLabelValues("check-out", "failed")), 1.0)

	ObserveSyncCycle("minimal", time.Second, 25)
	m := &dto.Metric{}
	require.NoError(t, networkScore.Write(m))
	assert.Equal(t, 25.0, m.GetGauge().GetValue())

	AddCacheEvictions("sessions", "expired", 4)
	assert.GreaterOrEqual(t, counterValue(t, cacheEvictions.WithLabelValues("sessions", "expired")), 4.0)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
