package upload

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/storage"
)

// SchedulerConfig 上传调度器配置
type SchedulerConfig struct {
	// MinInterval 调度间隔下限
	MinInterval time.Duration

	// MaxInterval 调度间隔上限
	MaxInterval time.Duration

	// InitialInterval 初始调度间隔（0 表示取 MinInterval 和 MaxInterval 的中间值）
	InitialInterval time.Duration

	// DecreaseFactor 投递成功后间隔乘以该系数（<1，向下逼近 MinInterval）
	DecreaseFactor float64

	// IncreaseFactor 其他结果后间隔乘以该系数（>1，向上逼近 MaxInterval）
	IncreaseFactor float64

	// RatePerSecond 投递尝试速率上限（0 表示不限制）
	RatePerSecond float64

	// RateBurst 速率限制突发额度
	RateBurst int

	// FlushTimeout FlushAndTearDown 的默认时间上限
	FlushTimeout time.Duration
}

// DefaultSchedulerConfig 默认调度器配置
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MinInterval:     1 * time.Second,
		MaxInterval:     60 * time.Second,
		DecreaseFactor:  0.7,
		IncreaseFactor:  1.5,
		RatePerSecond:   0,
		RateBurst:       1,
		FlushTimeout:    10 * time.Second,
	}
}

// Validate 验证配置
func (c *SchedulerConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("scheduler config is nil")
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("MinInterval must be > 0, got %v", c.MinInterval)
	}
	if c.MaxInterval < c.MinInterval {
		return fmt.Errorf("MaxInterval must be >= MinInterval, got %v", c.MaxInterval)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		return fmt.Errorf("DecreaseFactor must be in (0, 1), got %v", c.DecreaseFactor)
	}
	if c.IncreaseFactor <= 1 {
		return fmt.Errorf("IncreaseFactor must be > 1, got %v", c.IncreaseFactor)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("RatePerSecond must be >= 0, got %v", c.RatePerSecond)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("FlushTimeout must be > 0, got %v", c.FlushTimeout)
	}
	return nil
}

// Scheduler 上传调度器
// 每个 Feature 一个调度器，在自己的后台goroutine上串行执行：
// tick → 轮转超龄批次 → 取最旧可上传批次 → 交给上传器。
// 间隔自适应：连续成功向 MinInterval 收敛，失败向 MaxInterval 退避；
// 每次休眠附加 ±10% 抖动，避免多个 Feature 同相唤醒。
type Scheduler struct {
	feature  string
	store    *storage.Store
	uploader *Uploader
	config   *SchedulerConfig
	limiter  *rate.Limiter
	log      *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(feature string, store *storage.Store, uploader *Uploader, config *SchedulerConfig) (*Scheduler, error) {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	s := &Scheduler{
		feature:  feature,
		store:    store,
		uploader: uploader,
		config:   config,
		log:      logger.ForFeature(feature),
	}
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return s, nil
}

// Start 启动调度循环（幂等：已在运行时是空操作）
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.loop(ctx, stopCh, doneCh)
	s.log.Debug("upload scheduler started")
}

// Stop 停止调度循环（幂等）
// 不会中断正在进行的投递尝试，只阻止新的 tick，并等待循环退出
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.log.Debug("upload scheduler stopped")
}

// FlushAndTearDown 排空存储并释放资源（进程生命周期结束时调用）
// 先停止调度，关闭打开的批次，然后在 ctx 时限内同步排空已关闭批次；
// 排空是尽力而为：一旦投递不再成功或时间耗尽，剩余批次被放弃（记录日志，不再重试）
func (s *Scheduler) FlushAndTearDown(ctx context.Context) {
	s.Stop()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.FlushTimeout)
		defer cancel()
	}

	s.store.CloseOpen()

drain:
	for ctx.Err() == nil {
		meta, ok := s.store.NextUploadable()
		if !ok {
			break
		}
		switch s.uploader.Attempt(ctx, meta) {
		case batch.OutcomeDelivered, batch.OutcomeCorrupt:
		default:
			// 投递已经不成功，继续排空只会浪费关机窗口
			break drain
		}
	}

	if remaining := s.store.Stats().ClosedBatches; remaining > 0 {
		s.log.Warn("teardown abandoned undelivered batches", zap.Int("batches", remaining))
	}
	s.store.Shutdown()
}

// loop 调度循环，串行执行所有 tick
func (s *Scheduler) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	interval := s.config.InitialInterval
	if interval <= 0 {
		interval = (s.config.MinInterval + s.config.MaxInterval) / 2
	}

	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		interval = s.tick(ctx, interval)
		timer.Reset(jitter(interval))
	}
}

// tick 执行一次调度并返回下一个间隔
func (s *Scheduler) tick(ctx context.Context, interval time.Duration) time.Duration {
	s.store.RotateIfStale()
	s.uploader.metrics.SetPendingBatches(s.feature, s.store.Stats().ClosedBatches)

	meta, ok := s.store.NextUploadable()
	if !ok {
		// 没有可上传批次：向上限退避，空转时降低唤醒频率
		return s.grow(interval)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.store.Release(meta.ID, 0)
			return interval
		}
	}

	switch s.uploader.Attempt(ctx, meta) {
	case batch.OutcomeDelivered, batch.OutcomeCorrupt:
		// 投递成功或损坏文件被清除，存储都在推进，加快节奏
		return s.shrink(interval)
	}
	return s.grow(interval)
}

func (s *Scheduler) shrink(interval time.Duration) time.Duration {
	next := time.Duration(float64(interval) * s.config.DecreaseFactor)
	if next < s.config.MinInterval {
		return s.config.MinInterval
	}
	return next
}

func (s *Scheduler) grow(interval time.Duration) time.Duration {
	next := time.Duration(float64(interval) * s.config.IncreaseFactor)
	if next > s.config.MaxInterval {
		return s.config.MaxInterval
	}
	return next
}

// jitter 给休眠时长附加 ±10% 随机抖动
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
