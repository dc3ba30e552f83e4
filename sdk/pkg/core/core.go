package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/appcontext"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/bus"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/consent"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/storage"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/upload"
)

var (
	// ErrDuplicateFeature 同名 Feature 重复注册
	// 调用方集成错误，注册调用同步失败，运行期不可恢复
	ErrDuplicateFeature = errors.New("core: feature already registered")
	// ErrUnknownFeature Feature 未注册
	ErrUnknownFeature = errors.New("core: unknown feature")
	// ErrCoreStopped Core 已停止
	ErrCoreStopped = errors.New("core: already stopped")
)

// Options Core 构造参数
// Core 是显式传递的上下文对象：所有协作方在构造时注入，没有进程级默认单例
type Options struct {
	// AppID 应用标识
	AppID string

	// AppName 应用名称
	AppName string

	// Env 运行环境
	Env string

	// ServiceVersion 宿主应用版本
	ServiceVersion string

	// StorageRoot 批次存储根目录，每个 Feature 在其下建立独立子目录
	StorageRoot string

	// InitialConsent 初始同意状态
	InitialConsent consent.Status

	// MaxPendingWrites 同意待定时每个 Feature 最多暂存的写入数
	MaxPendingWrites int

	// DefaultTransport 默认传输（Feature 未指定专属传输时使用）
	DefaultTransport upload.Transport

	// Metrics 指标收集器（nil 表示不收集）
	Metrics upload.MetricsCollector
}

// Validate 验证构造参数
func (o *Options) Validate() error {
	if o == nil {
		return fmt.Errorf("core options is nil")
	}
	if o.StorageRoot == "" {
		return fmt.Errorf("StorageRoot must not be empty")
	}
	if o.InitialConsent != "" {
		if _, err := consent.ParseStatus(string(o.InitialConsent)); err != nil {
			return err
		}
	}
	return nil
}

// Core 遥测管线核心实例
// 持有 Feature 注册表、消息总线和上下文提供者。
// 每个 Feature 独占自己的 同意门 + 批次存储 + 上传器 + 调度器，
// 跨 Feature 协调只通过消息总线或上下文快照，不存在跨 Feature 的全局锁。
type Core struct {
	opts     Options
	bus      *bus.Bus
	provider *appcontext.Provider
	metrics  upload.MetricsCollector
	log      *zap.Logger

	mu       sync.RWMutex
	features map[string]*feature
	consent  consent.Status
	stopped  bool
}

// New 创建 Core 实例
func New(opts Options) (*Core, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid core options: %w", err)
	}
	if opts.InitialConsent == "" {
		opts.InitialConsent = consent.StatusPending
	}
	if opts.MaxPendingWrites <= 0 {
		opts.MaxPendingWrites = 1024
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &upload.NoOpMetricsCollector{}
	}

	provider := appcontext.NewProvider(opts.AppID, opts.AppName, opts.Env, opts.ServiceVersion)
	provider.SetConsent(opts.InitialConsent)

	return &Core{
		opts:     opts,
		bus:      bus.New(),
		provider: provider,
		metrics:  metrics,
		log:      logger.ForFeature("core"),
		features: make(map[string]*feature),
		consent:  opts.InitialConsent,
	}, nil
}

// Registration Feature 注册参数
type Registration struct {
	// Name Feature 名称，进程内唯一
	Name string

	// Storage 存储配置（nil 使用 StorageRoot/<Name> 下的默认配置）
	Storage *storage.Config

	// Uploader 上传与重试策略配置（nil 使用默认值）
	Uploader *upload.UploaderConfig

	// Scheduler 调度配置（nil 使用默认值）
	Scheduler *upload.SchedulerConfig

	// Transport Feature 专属传输（nil 使用 Core 的 DefaultTransport）
	Transport upload.Transport

	// Receiver 消息总线订阅（nil 表示不订阅）
	Receiver bus.Receiver

	// BypassConsent 该 Feature 的全部写入无视同意门
	// 用于自带同意语义的 Feature（例如崩溃上报）
	BypassConsent bool

	// Capability Feature 对外暴露的能力句柄，供 Capability[T] 按类型查找
	Capability interface{}
}

// Register 注册 Feature 并启动其上传调度器
// 同名 Feature 重复注册返回 ErrDuplicateFeature
func (c *Core) Register(ctx context.Context, reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("core: feature name must not be empty")
	}
	transport := reg.Transport
	if transport == nil {
		transport = c.opts.DefaultTransport
	}
	if transport == nil {
		return fmt.Errorf("core: feature %s has no transport and no default transport is set", reg.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrCoreStopped
	}
	if _, exists := c.features[reg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFeature, reg.Name)
	}

	storageConfig := reg.Storage
	if storageConfig == nil {
		storageConfig = storage.DefaultConfig(filepath.Join(c.opts.StorageRoot, reg.Name))
	}
	store, err := storage.NewStore(reg.Name, storageConfig, c)
	if err != nil {
		return fmt.Errorf("core: failed to create store for feature %s: %w", reg.Name, err)
	}

	uploader, err := upload.NewUploader(reg.Name, store, transport, c.provider, reg.Uploader, c, c.metrics)
	if err != nil {
		store.Shutdown()
		return fmt.Errorf("core: failed to create uploader for feature %s: %w", reg.Name, err)
	}

	scheduler, err := upload.NewScheduler(reg.Name, store, uploader, reg.Scheduler)
	if err != nil {
		store.Shutdown()
		return fmt.Errorf("core: failed to create scheduler for feature %s: %w", reg.Name, err)
	}

	// 注册时采用当前同意状态，而不是构造 Core 时的初始状态
	opts := c.opts
	opts.InitialConsent = c.consent
	f := newFeature(reg.Name, reg.Capability, opts, store, uploader, scheduler, c)
	f.bypassAll = reg.BypassConsent
	c.features[reg.Name] = f

	if reg.Receiver != nil {
		c.bus.Subscribe(reg.Name, reg.Receiver)
	}

	f.start(ctx)
	c.log.Info("feature registered", zap.String("feature", reg.Name))
	return nil
}

// Write 生产者写入口
// 事件经过 同意门 → 注入上下文版本 → 批次存储；调用立即返回，
// 实际写入在 Feature 自己的串行队列上执行（每 Feature FIFO，非全局 FIFO）。
// 管线内部的一切运行期故障都被吸收为遥测上报，不会穿透到生产者
func (c *Core) Write(featureName string, data []byte, bypassConsent bool) error {
	c.mu.RLock()
	f, ok := c.features[featureName]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, featureName)
	}
	f.write(data, nil, bypassConsent, c.provider.Snapshot().Version)
	return nil
}

// Feature 按名称查找 Feature 句柄
func (c *Core) Feature(name string) (*Handle, bool) {
	c.mu.RLock()
	f, ok := c.features[name]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Handle{core: c, feature: f}, true
}

// Capability 按名称查找 Feature 并检查其能力类型
// 按能力而非身份做类型检查：同名 Feature 只要暴露了 T 能力即可命中
func Capability[T any](c *Core, name string) (T, bool) {
	var zero T
	c.mu.RLock()
	f, ok := c.features[name]
	c.mu.RUnlock()
	if !ok || f.capability == nil {
		return zero, false
	}
	capability, ok := f.capability.(T)
	if !ok {
		return zero, false
	}
	return capability, true
}

// SetConsent 更新同意状态
// 状态同时进入每个 Feature 的同意门和上下文快照，并广播变更消息
func (c *Core) SetConsent(status consent.Status) {
	c.mu.Lock()
	c.consent = status
	features := make([]*feature, 0, len(c.features))
	for _, f := range c.features {
		features = append(features, f)
	}
	c.mu.Unlock()

	for _, f := range features {
		f.gate.SetStatus(status)
	}
	c.provider.SetConsent(status)
	c.bus.Send(bus.ContextChanged{}, nil)
}

// SetContextAttributes 注册 Feature 的惰性上下文属性生产者
// 合并快照在下一次读取时才重建，不会在每次变更时做多余的重算
func (c *Core) SetContextAttributes(featureName string, producer appcontext.Producer) {
	c.provider.SetAttributesProducer(featureName, producer)
	c.bus.Send(bus.ContextChanged{Feature: featureName}, nil)
}

// Context 返回当前上下文快照
func (c *Core) Context() *appcontext.Snapshot {
	return c.provider.Snapshot()
}

// Send 通过消息总线投递跨 Feature 消息
// 没有任何订阅方消费时 fallback 恰好执行一次
func (c *Core) Send(msg bus.Message, fallback func()) {
	c.bus.Send(msg, fallback)
}

// Stop 停止全部 Feature：并行排空存储并释放资源
// 排空是协作式、限时的；时限内未投递的批次被放弃（记录日志，不再重试）
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrCoreStopped
	}
	c.stopped = true
	features := make([]*feature, 0, len(c.features))
	for _, f := range c.features {
		features = append(features, f)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range features {
		f := f
		g.Go(func() error {
			f.teardown(ctx)
			return nil
		})
	}
	err := g.Wait()
	c.log.Info("telemetry core stopped", zap.Int("features", len(features)))
	return err
}

// ReportError 实现内部遥测上报通道（storage.Reporter / upload.Reporter）
// 上报进入消息总线；没有订阅方时退化为日志输出
func (c *Core) ReportError(message string, attributes map[string]interface{}) {
	c.bus.Send(bus.Telemetry{
		Level:      bus.TelemetryError,
		Message:    message,
		Attributes: attributes,
	}, func() {
		c.log.Error(message, zap.Any("attributes", attributes))
	})
}

// ReportDebug 实现内部遥测上报通道
func (c *Core) ReportDebug(message string, attributes map[string]interface{}) {
	c.bus.Send(bus.Telemetry{
		Level:      bus.TelemetryDebug,
		Message:    message,
		Attributes: attributes,
	}, func() {
		c.log.Debug(message, zap.Any("attributes", attributes))
	})
}
