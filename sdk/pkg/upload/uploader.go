package upload

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/appcontext"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/storage"
)

// Reporter 内部遥测上报通道
// 上传方用它上报永久失败等内部事件，避免对日志 Feature 形成环依赖
type Reporter interface {
	// ReportError 上报内部错误
	ReportError(message string, attributes map[string]interface{})
	// ReportDebug 上报调试信息
	ReportDebug(message string, attributes map[string]interface{})
}

type nopReporter struct{}

func (nopReporter) ReportError(string, map[string]interface{}) {}
func (nopReporter) ReportDebug(string, map[string]interface{}) {}

// UploaderConfig 上传与重试策略配置
type UploaderConfig struct {
	// MaxAttempts 单个批次最大尝试次数，超过后删除并上报一次永久失败
	MaxAttempts int

	// BaseBackoff 重试退避基数，第 n 次失败后延迟 BaseBackoff * 2^(n-1)
	BaseBackoff time.Duration

	// MaxBackoff 重试退避上限
	MaxBackoff time.Duration
}

// DefaultUploaderConfig 默认上传配置
func DefaultUploaderConfig() *UploaderConfig {
	return &UploaderConfig{
		MaxAttempts: 5,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// Validate 验证配置
func (c *UploaderConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("uploader config is nil")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be > 0, got %d", c.MaxAttempts)
	}
	if c.MaxAttempts > 100 {
		return fmt.Errorf("MaxAttempts is too large (max 100), got %d", c.MaxAttempts)
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("BaseBackoff must be > 0, got %v", c.BaseBackoff)
	}
	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("MaxBackoff must be >= BaseBackoff, got %v", c.MaxBackoff)
	}
	return nil
}

// Uploader 批次上传器
// 对单个批次执行一次投递尝试：读取、组装包络、发送、按结果分类执行策略。
// 同一批次不会被并发上传两次，由存储层的在途锁保证。
type Uploader struct {
	feature   string
	store     *storage.Store
	transport Transport
	provider  *appcontext.Provider
	config    *UploaderConfig
	reporter  Reporter
	metrics   MetricsCollector
	log       *zap.Logger
}

// NewUploader 创建上传器
func NewUploader(feature string, store *storage.Store, transport Transport, provider *appcontext.Provider, config *UploaderConfig, reporter Reporter, metrics MetricsCollector) (*Uploader, error) {
	if config == nil {
		config = DefaultUploaderConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid uploader config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Uploader{
		feature:   feature,
		store:     store,
		transport: transport,
		provider:  provider,
		config:    config,
		reporter:  reporter,
		metrics:   metrics,
		log:       logger.ForFeature(feature),
	}, nil
}

// Attempt 对已锁定的批次执行一次投递尝试
//
// 结果策略：
//   - delivered → 删除批次
//   - retryable → 累计尝试次数，未达上限按指数退避重新入队，达到上限删除并上报一次永久失败
//   - rejected  → 立即删除并上报，永不重试
//   - corrupt   → 存储层读取阶段已删除损坏文件，存储在推进，调度按投递成功节奏看待
func (u *Uploader) Attempt(ctx context.Context, meta *batch.Metadata) batch.Outcome {
	events, err := u.store.ReadBatch(meta.ID)
	if err != nil {
		u.metrics.RecordCorrupt(u.feature)
		return batch.OutcomeCorrupt
	}

	var snap *appcontext.Snapshot
	if u.provider != nil {
		snap = u.provider.Snapshot()
	}
	payload, err := buildEnvelope(u.feature, meta.ID, events, snap)
	if err != nil {
		// 包络组装失败意味着负载永远发不出去
		u.log.Error("failed to build upload payload", zap.String("batch_id", meta.ID), zap.Error(err))
		u.drop(meta.ID, "payload serialization failed", err.Error())
		return batch.OutcomeRejected
	}

	start := time.Now()
	outcome := u.transport.Send(ctx, payload)
	u.metrics.RecordAttemptDuration(u.feature, time.Since(start))
	u.store.RecordAttempt(meta.ID, outcome)

	switch outcome {
	case batch.OutcomeDelivered:
		if err := u.store.Delete(meta.ID); err != nil {
			u.log.Error("failed to delete delivered batch", zap.String("batch_id", meta.ID), zap.Error(err))
		}
		u.metrics.RecordDelivered(u.feature, len(events), int64(len(payload)))
		u.log.Debug("batch delivered",
			zap.String("batch_id", meta.ID),
			zap.Int("events", len(events)))

	case batch.OutcomeRetryable:
		attempts := u.store.Attempts(meta.ID)
		if attempts >= u.config.MaxAttempts {
			u.drop(meta.ID, "batch dropped after max upload attempts", "")
			u.metrics.RecordDropped(u.feature)
		} else {
			delay := u.backoff(attempts)
			u.store.Release(meta.ID, delay)
			u.metrics.RecordRetry(u.feature)
			u.log.Debug("batch upload failed, will retry",
				zap.String("batch_id", meta.ID),
				zap.Int("attempts", attempts),
				zap.Duration("backoff", delay))
		}

	case batch.OutcomeRejected:
		u.drop(meta.ID, "batch rejected by collector", "")
		u.metrics.RecordRejected(u.feature)
	}

	return outcome
}

// drop 删除批次并上报一次永久失败
func (u *Uploader) drop(id, message, cause string) {
	if err := u.store.Delete(id); err != nil {
		u.log.Error("failed to delete dropped batch", zap.String("batch_id", id), zap.Error(err))
	}
	attrs := map[string]interface{}{
		"feature":  u.feature,
		"batch_id": id,
	}
	if cause != "" {
		attrs["cause"] = cause
	}
	u.reporter.ReportError(message, attrs)
}

// backoff 第 attempts 次失败后的退避时长，指数增长并封顶
func (u *Uploader) backoff(attempts int) time.Duration {
	delay := u.config.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= u.config.MaxBackoff {
			return u.config.MaxBackoff
		}
	}
	if delay > u.config.MaxBackoff {
		delay = u.config.MaxBackoff
	}
	return delay
}
