package upload

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector 基于 Prometheus 的指标收集器
// 宿主应用把 collector 注册到自己的 Registry 即可暴露管线指标
type PrometheusMetricsCollector struct {
	deliveredBatches *prometheus.CounterVec
	deliveredEvents  *prometheus.CounterVec
	deliveredBytes   *prometheus.CounterVec
	retryTotal       *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	corruptTotal     *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	pendingBatches   *prometheus.GaugeVec
}

// NewPrometheusMetricsCollector 创建 Prometheus 指标收集器并注册到 registerer
// registerer 为 nil 时使用 prometheus.DefaultRegisterer
func NewPrometheusMetricsCollector(registerer prometheus.Registerer) (*PrometheusMetricsCollector, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	c := &PrometheusMetricsCollector{
		deliveredBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "delivered_batches_total",
			Help:      "Batches acknowledged by the collector",
		}, []string{"feature"}),
		deliveredEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "delivered_events_total",
			Help:      "Events acknowledged by the collector",
		}, []string{"feature"}),
		deliveredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "delivered_bytes_total",
			Help:      "Payload bytes acknowledged by the collector",
		}, []string{"feature"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "upload_retries_total",
			Help:      "Transient upload failures that were requeued",
		}, []string{"feature"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "dropped_batches_total",
			Help:      "Batches dropped after exceeding max upload attempts",
		}, []string{"feature"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "rejected_batches_total",
			Help:      "Batches permanently rejected by the collector",
		}, []string{"feature"}),
		corruptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jxt_telemetry",
			Name:      "corrupt_batches_total",
			Help:      "Batches deleted because the file was unreadable",
		}, []string{"feature"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jxt_telemetry",
			Name:      "upload_attempt_duration_seconds",
			Help:      "Duration of a single upload attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feature"}),
		pendingBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jxt_telemetry",
			Name:      "pending_batches",
			Help:      "Closed batches waiting for upload",
		}, []string{"feature"}),
	}

	collectors := []prometheus.Collector{
		c.deliveredBatches, c.deliveredEvents, c.deliveredBytes,
		c.retryTotal, c.droppedTotal, c.rejectedTotal, c.corruptTotal,
		c.attemptDuration, c.pendingBatches,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordDelivered 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) RecordDelivered(feature string, events int, bytes int64) {
	c.deliveredBatches.WithLabelValues(feature).Inc()
	c.deliveredEvents.WithLabelValues(feature).Add(float64(events))
	c.deliveredBytes.WithLabelValues(feature).Add(float64(bytes))
}

// RecordRetry 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) RecordRetry(feature string) {
	c.retryTotal.WithLabelValues(feature).Inc()
}

// RecordDropped 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) RecordDropped(feature string) {
	c.droppedTotal.WithLabelValues(feature).Inc()
}

// RecordRejected 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) RecordRejected(feature string) {
	c.rejectedTotal.WithLabelValues(feature).Inc()
}

// RecordCorrupt 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) RecordCorrupt(feature string) {
	c.corruptTotal.WithLabelValues(feature).Inc()
}

// RecordAttemptDuration 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) RecordAttemptDuration(feature string, duration time.Duration) {
	c.attemptDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

// SetPendingBatches 实现 MetricsCollector 接口
func (c *PrometheusMetricsCollector) SetPendingBatches(feature string, count int) {
	c.pendingBatches.WithLabelValues(feature).Set(float64(count))
}
