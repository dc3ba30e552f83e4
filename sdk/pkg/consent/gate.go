package consent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
)

// Status 用户同意状态
type Status string

const (
	// StatusGranted 已授权：写入直接进入存储
	StatusGranted Status = "granted"
	// StatusPending 待定：写入按序暂存，状态落定后重放或丢弃
	StatusPending Status = "pending"
	// StatusDenied 已拒绝：写入被永久丢弃
	StatusDenied Status = "denied"
)

// ParseStatus 解析同意状态字符串（配置文件用）
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusGranted, StatusPending, StatusDenied:
		return Status(s), nil
	case "":
		return StatusPending, nil
	default:
		return "", fmt.Errorf("consent: unknown status %q", s)
	}
}

// Sink 下游写入函数（通常是批次存储的追加）
type Sink func(ev batch.Event)

// Gate 同意门
// 按当前同意状态决定写入的去向：放行、暂存或丢弃。
// pending 暂存队列有容量上限，超出后丢弃最旧的暂存写入。
// 状态转换由外部驱动（用户操作/API），与写入并发安全。
type Gate struct {
	mu         sync.Mutex
	status     Status
	replaying  bool
	pending    []batch.Event
	maxPending int
	sink       Sink
	log        *zap.Logger
}

// NewGate 创建同意门
func NewGate(feature string, initial Status, maxPending int, sink Sink) *Gate {
	if maxPending <= 0 {
		maxPending = 1024
	}
	return &Gate{
		status:     initial,
		maxPending: maxPending,
		sink:       sink,
		log:        logger.ForFeature(feature),
	}
}

// Write 按当前状态处理一次写入
// bypass 为 true 时无视状态直接放行（调用方已对该事件独立确认过授权）
func (g *Gate) Write(ev batch.Event, bypass bool) {
	if bypass {
		g.sink(ev)
		return
	}

	g.mu.Lock()
	switch {
	case g.status == StatusGranted && !g.replaying:
		g.mu.Unlock()
		g.sink(ev)
	case g.status == StatusGranted || g.status == StatusPending:
		// pending，或 granted 但重放还在进行：排到暂存队列尾部，保证不插队
		g.queueLocked(ev)
		g.mu.Unlock()
	default:
		g.mu.Unlock()
		// 已拒绝：预期内的永久丢弃，不是错误路径
	}
}

// queueLocked 追加到暂存队列，超出容量时丢弃最旧的一条
func (g *Gate) queueLocked(ev batch.Event) {
	if len(g.pending) >= g.maxPending {
		g.pending = g.pending[1:]
		g.log.Warn("consent pending queue full, oldest write dropped")
	}
	g.pending = append(g.pending, ev)
}

// SetStatus 外部驱动的状态转换
// 转为 granted 时按原始顺序重放暂存写入；转为 denied 时丢弃且不留痕迹
func (g *Gate) SetStatus(next Status) {
	g.mu.Lock()
	if g.status == next {
		g.mu.Unlock()
		return
	}
	g.status = next
	switch next {
	case StatusGranted:
		g.replayLocked()
	case StatusDenied:
		if n := len(g.pending); n > 0 {
			g.log.Info("consent denied, pending writes discarded", zap.Int("count", n))
		}
		g.pending = nil
	}
	g.mu.Unlock()
}

// replayLocked 按原始顺序重放暂存写入，返回时仍持有 g.mu
// sink 不持锁调用：下游落盘可能经由上报链路重入本门（读状态甚至写入）。
// 重放期间的新写入进入暂存队列，由本循环排在积压之后投递
func (g *Gate) replayLocked() {
	g.replaying = true
	for len(g.pending) > 0 && g.status == StatusGranted {
		backlog := g.pending
		g.pending = nil
		g.mu.Unlock()
		for _, ev := range backlog {
			g.sink(ev)
		}
		g.mu.Lock()
	}
	g.replaying = false
	if g.status == StatusDenied {
		// 重放中途被拒绝：剩余暂存写入不再投递
		g.pending = nil
	}
}

// Status 返回当前同意状态
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// PendingCount 返回暂存写入数量
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
