package upload

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetricsCollector(t *testing.T) {
	c := NewInMemoryMetricsCollector()

	c.RecordDelivered("logs", 3, 1024)
	c.RecordDelivered("logs", 2, 512)
	c.RecordRetry("logs")
	c.RecordDropped("logs")
	c.RecordRejected("logs")
	c.RecordCorrupt("logs")
	c.RecordAttemptDuration("logs", 10*time.Millisecond)
	c.SetPendingBatches("logs", 7)

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap["delivered_batches"])
	assert.Equal(t, int64(5), snap["delivered_events"])
	assert.Equal(t, int64(1), snap["retry"])
	assert.Equal(t, int64(1), snap["dropped"])
	assert.Equal(t, int64(1), snap["rejected"])
	assert.Equal(t, int64(1), snap["corrupt"])
	assert.Equal(t, 7, c.PendingByFeature["logs"])
}

func TestPrometheusMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	c, err := NewPrometheusMetricsCollector(registry)
	require.NoError(t, err)

	c.RecordDelivered("logs", 3, 1024)
	c.RecordRetry("logs")
	c.SetPendingBatches("logs", 4)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.deliveredBatches.WithLabelValues("logs")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.deliveredEvents.WithLabelValues("logs")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(c.deliveredBytes.WithLabelValues("logs")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.retryTotal.WithLabelValues("logs")))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.pendingBatches.WithLabelValues("logs")))

	// 同一个 Registry 不允许重复注册
	_, err = NewPrometheusMetricsCollector(registry)
	assert.Error(t, err)
}
