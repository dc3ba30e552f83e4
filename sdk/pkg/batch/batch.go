package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome 一次上传尝试的结果分类
type Outcome string

const (
	// OutcomeNone 尚未尝试
	OutcomeNone Outcome = ""
	// OutcomeDelivered 采集端确认接收（HTTP 2xx 等价）
	OutcomeDelivered Outcome = "delivered"
	// OutcomeRetryable 瞬时失败，可以重试（网络错误 / 5xx 等价）
	OutcomeRetryable Outcome = "retryable"
	// OutcomeRejected 负载被永久拒绝，重试不可能成功（4xx 等价）
	OutcomeRejected Outcome = "rejected"
	// OutcomeCorrupt 批次文件损坏，读取阶段已被存储层删除，无需再发请求
	OutcomeCorrupt Outcome = "corrupt"
)

// Event 单条遥测事件
// 对管线而言事件负载是不透明的已序列化字节，一旦追加不再变更
type Event struct {
	// Data 事件负载（不透明字节）
	Data []byte

	// Attributes 可选的事件元数据
	// 只在管线内部流转（过滤、诊断），不会出现在上传负载里
	Attributes map[string]interface{}

	// CreatedAt 事件创建时间
	CreatedAt time.Time

	// ContextVersion 写入时的上下文快照版本
	ContextVersion uint64
}

// Metadata 批次元数据
// 调度器用它挑选候选批次，重试策略用它计算退避
type Metadata struct {
	// ID 批次唯一标识（UUID）
	ID string `json:"id"`

	// File 批次文件名（相对于 Feature 存储目录）
	File string `json:"file"`

	// ByteSize 批次文件字节数（含文件头）
	ByteSize int64 `json:"byte_size"`

	// EventCount 批次内事件数量
	EventCount int `json:"event_count"`

	// CreatedAt 批次创建时间，批次按创建时间单调排序
	CreatedAt time.Time `json:"created_at"`

	// ClosedAt 批次关闭时间（关闭后不可变、可上传）
	ClosedAt time.Time `json:"closed_at"`

	// Attempts 已进行的上传尝试次数
	Attempts int `json:"attempts"`

	// LastOutcome 最后一次尝试的结果
	LastOutcome Outcome `json:"last_outcome,omitempty"`

	// NextAttemptAt 下次允许尝试的时间（重试退避）
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

const (
	// FileExt 批次文件扩展名
	FileExt = ".batch"
	// MetaExt 元数据边车文件扩展名
	MetaExt = ".meta"
)

// NewMetadata 创建新批次的元数据
// 文件名以创建时间纳秒为前缀，保证字典序等于创建顺序
func NewMetadata(createdAt time.Time) *Metadata {
	id := newID()
	return &Metadata{
		ID:        id,
		File:      fmt.Sprintf("%020d-%s%s", createdAt.UnixNano(), id, FileExt),
		CreatedAt: createdAt,
	}
}

// MetaFile 返回元数据边车文件名
func (m *Metadata) MetaFile() string {
	return strings.TrimSuffix(m.File, FileExt) + MetaExt
}

// Closed 批次是否已关闭
func (m *Metadata) Closed() bool {
	return !m.ClosedAt.IsZero()
}

func newID() string {
	// UUID v7 按时间排序，与文件名前缀的排序语义一致
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 理论上不会失败（除非系统时钟异常），回退到 UUID v4
		id = uuid.New()
	}
	return id.String()
}
