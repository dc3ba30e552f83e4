package bus

import (
	"sync"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
)

// Kind 消息类别
type Kind string

const (
	// KindContextChanged 上下文快照发生变更
	KindContextChanged Kind = "context_changed"
	// KindTelemetry 内部遥测事件（错误/调试上报）
	KindTelemetry Kind = "telemetry"
	// KindCustom Feature 自定义消息
	KindCustom Kind = "custom"
)

// Message 跨 Feature 通知消息（标签联合）
// 消息不要求确认，投递是 best-effort：每个订阅方每次发送至多收到一次
type Message interface {
	// Kind 返回消息类别标签
	Kind() Kind
}

// ContextChanged 上下文属性变更通知
type ContextChanged struct {
	// Feature 触发变更的 Feature 名称（全局变更为空）
	Feature string
}

// Kind 实现 Message 接口
func (ContextChanged) Kind() Kind { return KindContextChanged }

// TelemetryLevel 内部遥测级别
type TelemetryLevel string

const (
	// TelemetryError 错误级别
	TelemetryError TelemetryLevel = "error"
	// TelemetryDebug 调试级别
	TelemetryDebug TelemetryLevel = "debug"
)

// Telemetry 内部遥测上报消息
// 上传器和批次存储通过它对外暴露内部故障，不直接依赖日志 Feature
type Telemetry struct {
	// Level 级别
	Level TelemetryLevel
	// Message 描述
	Message string
	// Attributes 附加属性
	Attributes map[string]interface{}
}

// Kind 实现 Message 接口
func (Telemetry) Kind() Kind { return KindTelemetry }

// Custom Feature 自定义消息
type Custom struct {
	// Key 消息键
	Key string
	// Value 消息值
	Value interface{}
}

// Kind 实现 Message 接口
func (Custom) Kind() Kind { return KindCustom }

// Receiver 消息接收方
// 回调可能运行在任意goroutine上，不能假设与发送方同线程；
// 回调内不得长时间阻塞，耗时工作必须移交接收方自己的队列
type Receiver interface {
	// Receive 处理一条消息，返回是否消费了该消息
	Receive(msg Message) bool
}

// ReceiverFunc 函数式 Receiver
type ReceiverFunc func(msg Message) bool

// Receive 实现 Receiver 接口
func (f ReceiverFunc) Receive(msg Message) bool {
	return f(msg)
}

// subscription 一个订阅登记
type subscription struct {
	name     string
	receiver Receiver
}

// Bus 进程内消息总线
// Feature 之间通过它交换横切消息，互相不持有直接引用。
// 投递按订阅注册顺序确定；没有任何订阅方消费时 fallback 恰好执行一次。
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// New 创建消息总线
func New() *Bus {
	return &Bus{}
}

// Subscribe 注册订阅方，投递顺序即注册顺序
func (b *Bus) Subscribe(name string, receiver Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, receiver: receiver})
}

// Unsubscribe 移除指定名称的全部订阅
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub.name != name {
			kept = append(kept, sub)
		}
	}
	b.subs = kept
}

// Send 按注册顺序投递消息
// 每个接收方返回是否消费；没有任何接收方消费时 fallback 恰好执行一次。
// 接收方 panic 会被恢复并记录，不影响其余接收方。
func (b *Bus) Send(msg Message, fallback func()) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	consumed := false
	for _, sub := range subs {
		if b.deliver(sub, msg) {
			consumed = true
		}
	}
	if !consumed && fallback != nil {
		fallback()
	}
}

// deliver 投递给单个接收方，恢复回调panic
func (b *Bus) deliver(sub subscription, msg Message) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message receiver panicked", "subscriber", sub.name, "kind", string(msg.Kind()), "panic", r)
			consumed = false
		}
	}()
	return sub.receiver.Receive(msg)
}
