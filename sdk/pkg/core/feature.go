package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/appcontext"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/consent"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/storage"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/upload"
)

// writeQueueSize 每个 Feature 写入队列的容量
// 队列满说明生产速度远超存储吸收速度，此时丢弃新写入并上报
const writeQueueSize = 4096

// writeItem 写入队列中的一个工作单元
type writeItem struct {
	ev     batch.Event
	bypass bool
}

// feature 一个已注册 Feature 的管线绑定
// Feature 独占自己的 同意门 + 批次存储 + 上传器 + 调度器；
// 写入在专属的串行队列goroutine上执行，保证每 Feature FIFO
type feature struct {
	name       string
	capability interface{}
	bypassAll  bool
	gate       *consent.Gate
	store      *storage.Store
	uploader   *upload.Uploader
	scheduler  *upload.Scheduler
	reporter   storage.Reporter
	log        *zap.Logger

	mu      sync.RWMutex
	closed  bool
	writeCh chan writeItem
	writeWG sync.WaitGroup
}

func newFeature(name string, capability interface{}, opts Options, store *storage.Store, uploader *upload.Uploader, scheduler *upload.Scheduler, reporter storage.Reporter) *feature {
	f := &feature{
		name:       name,
		capability: capability,
		store:      store,
		uploader:   uploader,
		scheduler:  scheduler,
		reporter:   reporter,
		log:        logger.ForFeature(name),
		writeCh:    make(chan writeItem, writeQueueSize),
	}
	f.gate = consent.NewGate(name, opts.InitialConsent, opts.MaxPendingWrites, f.sink)
	return f
}

// start 启动写入队列消费和上传调度
func (f *feature) start(ctx context.Context) {
	f.writeWG.Add(1)
	go func() {
		defer f.writeWG.Done()
		for item := range f.writeCh {
			f.gate.Write(item.ev, item.bypass)
		}
	}()
	f.scheduler.Start(ctx)
}

// write 把一次写入入队并立即返回
// 队列满时丢弃该写入并上报，绝不阻塞生产者
func (f *feature) write(data []byte, attrs map[string]interface{}, bypass bool, contextVersion uint64) {
	item := writeItem{
		ev: batch.Event{
			Data:           data,
			Attributes:     attrs,
			CreatedAt:      time.Now(),
			ContextVersion: contextVersion,
		},
		bypass: bypass || f.bypassAll,
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.writeCh <- item:
	default:
		f.reporter.ReportError("write queue full, event dropped", map[string]interface{}{
			"feature": f.name,
		})
	}
}

// sink 同意门放行后的落盘路径
// 存储层故障在这里被吸收，不会穿透回生产者
func (f *feature) sink(ev batch.Event) {
	if err := f.store.Append(ev); err != nil {
		// ErrEventTooLarge 已由存储层上报过
		f.log.Error("failed to append event", zap.Error(err))
	}
}

// teardown 停止写入、排空队列、冲刷存储
func (f *feature) teardown(ctx context.Context) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.writeCh)
	f.mu.Unlock()

	// 等写入队列排空，暂存中的事件得以进入存储参与冲刷
	f.writeWG.Wait()
	f.scheduler.FlushAndTearDown(ctx)
}

// Handle Feature 句柄，向外暴露按名称查到的 Feature 的操作能力
type Handle struct {
	core    *Core
	feature *feature
}

// Name Feature 名称
func (h *Handle) Name() string {
	return h.feature.name
}

// Write 向该 Feature 写入一条事件
func (h *Handle) Write(data []byte, bypassConsent bool) {
	h.feature.write(data, nil, bypassConsent, h.core.provider.Snapshot().Version)
}

// WriteWithAttributes 写入一条带元数据的事件
// 元数据只在管线内部流转，不会出现在上传负载里
func (h *Handle) WriteWithAttributes(data []byte, attrs map[string]interface{}, bypassConsent bool) {
	h.feature.write(data, attrs, bypassConsent, h.core.provider.Snapshot().Version)
}

// Consent 该 Feature 同意门的当前状态
func (h *Handle) Consent() consent.Status {
	return h.feature.gate.Status()
}

// StorageStats 该 Feature 的存储统计
func (h *Handle) StorageStats() storage.Stats {
	return h.feature.store.Stats()
}

// SetContextAttributes 注册该 Feature 的惰性上下文属性生产者
func (h *Handle) SetContextAttributes(producer appcontext.Producer) {
	h.core.SetContextAttributes(h.feature.name, producer)
}
