package appcontext

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/consent"
)

// Snapshot 进程级环境事实的不可变快照
// 每次写入都会注入当时的快照版本，负载构建方不必各自重新推导环境信息。
// 快照整体替换，读方永远看到一致的版本（不存在部分更新可见）。
type Snapshot struct {
	// Version 快照版本号，每次重建单调递增
	Version uint64 `json:"version"`

	// AppID 应用标识
	AppID string `json:"app_id"`

	// AppName 应用名称
	AppName string `json:"app_name"`

	// Env 运行环境
	Env string `json:"env"`

	// ServiceVersion 宿主应用版本
	ServiceVersion string `json:"service_version"`

	// SessionID 当前会话标识
	SessionID string `json:"session_id"`

	// Consent 当前同意状态
	Consent consent.Status `json:"consent"`

	// Network 网络/设备事实
	Network map[string]interface{} `json:"network,omitempty"`

	// Attributes Feature 贡献的属性，按 Feature 名称分命名空间避免冲突
	Attributes map[string]map[string]interface{} `json:"attributes,omitempty"`

	// BuiltAt 快照重建时间
	BuiltAt time.Time `json:"built_at"`
}

// Attribute 读取指定 Feature 的字符串属性，不存在返回空串
func (s *Snapshot) Attribute(feature, key string) string {
	bag, ok := s.Attributes[feature]
	if !ok {
		return ""
	}
	return cast.ToString(bag[key])
}

// Producer 惰性属性生产者
// 注册后不会立刻求值，合并快照在下次读取时才重建，
// 避免每次同意/上下文变更都做多余的重算
type Producer func() map[string]interface{}

// Provider 上下文提供者
// 写侧 copy-on-write，读侧单次原子装载无锁
type Provider struct {
	mu        sync.Mutex
	base      Snapshot
	producers map[string]Producer

	current atomic.Pointer[Snapshot]
	dirty   atomic.Bool
	version atomic.Uint64
}

// NewProvider 创建上下文提供者
func NewProvider(appID, appName, env, serviceVersion string) *Provider {
	p := &Provider{
		base: Snapshot{
			AppID:          appID,
			AppName:        appName,
			Env:            env,
			ServiceVersion: serviceVersion,
			Consent:        consent.StatusPending,
		},
		producers: make(map[string]Producer),
	}
	p.dirty.Store(true)
	return p
}

// Snapshot 返回当前合并快照
// 自上次读取后有变更时惰性重建一次，否则直接返回缓存的不可变快照
func (p *Provider) Snapshot() *Snapshot {
	if p.dirty.Load() {
		p.rebuild()
	}
	return p.current.Load()
}

// Version 当前快照版本（不触发重建）
func (p *Provider) Version() uint64 {
	return p.version.Load()
}

// SetSessionID 更新会话标识
func (p *Provider) SetSessionID(id string) {
	p.mu.Lock()
	p.base.SessionID = id
	p.mu.Unlock()
	p.dirty.Store(true)
}

// SetConsent 更新同意状态
func (p *Provider) SetConsent(status consent.Status) {
	p.mu.Lock()
	p.base.Consent = status
	p.mu.Unlock()
	p.dirty.Store(true)
}

// SetNetwork 整体替换网络/设备事实
func (p *Provider) SetNetwork(facts map[string]interface{}) {
	p.mu.Lock()
	p.base.Network = copyBag(facts)
	p.mu.Unlock()
	p.dirty.Store(true)
}

// SetAttributesProducer 注册 Feature 的惰性属性生产者
// producer 为 nil 时移除该 Feature 的属性贡献
func (p *Provider) SetAttributesProducer(feature string, producer Producer) {
	p.mu.Lock()
	if producer == nil {
		delete(p.producers, feature)
	} else {
		p.producers[feature] = producer
	}
	p.mu.Unlock()
	p.dirty.Store(true)
}

// rebuild 重建合并快照
func (p *Provider) rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty.Load() {
		// 其他goroutine已完成重建
		return
	}

	snap := p.base
	snap.Network = copyBag(p.base.Network)
	if len(p.producers) > 0 {
		snap.Attributes = make(map[string]map[string]interface{}, len(p.producers))
		for feature, producer := range p.producers {
			if bag := producer(); len(bag) > 0 {
				snap.Attributes[feature] = copyBag(bag)
			}
		}
	}
	snap.Version = p.version.Add(1)
	snap.BuiltAt = time.Now()

	p.current.Store(&snap)
	p.dirty.Store(false)
}

func copyBag(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
