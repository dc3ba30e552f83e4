package upload

import (
	"sync"
	"time"
)

// MetricsCollector 上传管线指标收集器接口
// 用于集成 Prometheus、StatsD 等监控系统
type MetricsCollector interface {
	// RecordDelivered 记录批次投递成功
	RecordDelivered(feature string, events int, bytes int64)

	// RecordRetry 记录批次瞬时失败后重新入队
	RecordRetry(feature string)

	// RecordDropped 记录批次超过最大尝试次数被丢弃
	RecordDropped(feature string)

	// RecordRejected 记录批次被采集端永久拒绝
	RecordRejected(feature string)

	// RecordCorrupt 记录批次因文件损坏被删除
	RecordCorrupt(feature string)

	// RecordAttemptDuration 记录单次投递尝试耗时
	RecordAttemptDuration(feature string, duration time.Duration)

	// SetPendingBatches 设置待上传批次数量
	SetPendingBatches(feature string, count int)
}

// NoOpMetricsCollector 空操作指标收集器（默认实现）
type NoOpMetricsCollector struct{}

// RecordDelivered 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) RecordDelivered(feature string, events int, bytes int64) {}

// RecordRetry 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) RecordRetry(feature string) {}

// RecordDropped 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) RecordDropped(feature string) {}

// RecordRejected 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) RecordRejected(feature string) {}

// RecordCorrupt 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) RecordCorrupt(feature string) {}

// RecordAttemptDuration 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) RecordAttemptDuration(feature string, duration time.Duration) {}

// SetPendingBatches 实现 MetricsCollector 接口
func (n *NoOpMetricsCollector) SetPendingBatches(feature string, count int) {}

// InMemoryMetricsCollector 内存指标收集器（用于测试和简单场景）
type InMemoryMetricsCollector struct {
	mu sync.RWMutex

	DeliveredBatches int64
	DeliveredEvents  int64
	DeliveredBytes   int64
	RetryCount       int64
	DroppedCount     int64
	RejectedCount    int64
	CorruptCount     int64
	PendingByFeature map[string]int

	TotalDuration time.Duration
	AttemptCount  int64
}

// NewInMemoryMetricsCollector 创建内存指标收集器
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		PendingByFeature: make(map[string]int),
	}
}

// RecordDelivered 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) RecordDelivered(feature string, events int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeliveredBatches++
	c.DeliveredEvents += int64(events)
	c.DeliveredBytes += bytes
}

// RecordRetry 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) RecordRetry(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RetryCount++
}

// RecordDropped 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) RecordDropped(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DroppedCount++
}

// RecordRejected 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) RecordRejected(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RejectedCount++
}

// RecordCorrupt 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) RecordCorrupt(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CorruptCount++
}

// RecordAttemptDuration 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) RecordAttemptDuration(feature string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TotalDuration += duration
	c.AttemptCount++
}

// SetPendingBatches 实现 MetricsCollector 接口
func (c *InMemoryMetricsCollector) SetPendingBatches(feature string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PendingByFeature[feature] = count
}

// Snapshot 返回计数快照（测试断言用）
func (c *InMemoryMetricsCollector) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]int64{
		"delivered_batches": c.DeliveredBatches,
		"delivered_events":  c.DeliveredEvents,
		"retry":             c.RetryCount,
		"dropped":           c.DroppedCount,
		"rejected":          c.RejectedCount,
		"corrupt":           c.CorruptCount,
	}
}
