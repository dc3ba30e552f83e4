package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	jxtjson "github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/logger"
)

var (
	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("storage: store is closed")
	// ErrCorruptBatch 批次文件损坏（已被删除并上报，不会重试）
	ErrCorruptBatch = errors.New("storage: corrupt batch")
	// ErrBatchNotFound 批次不存在
	ErrBatchNotFound = errors.New("storage: batch not found")
	// ErrEventTooLarge 单条事件超过批次大小上限
	ErrEventTooLarge = errors.New("storage: event exceeds max batch size")
)

// Reporter 内部遥测上报通道
// 存储层用它上报逐出、损坏等内部故障，避免对日志 Feature 形成环依赖
type Reporter interface {
	// ReportError 上报内部错误
	ReportError(message string, attributes map[string]interface{})
	// ReportDebug 上报调试信息
	ReportDebug(message string, attributes map[string]interface{})
}

// nopReporter 默认空实现
type nopReporter struct{}

func (nopReporter) ReportError(string, map[string]interface{}) {}
func (nopReporter) ReportDebug(string, map[string]interface{}) {}

// Config 批次存储配置
type Config struct {
	// Dir 批次文件目录（每个 Feature 独立）
	Dir string

	// MaxBatchSize 单个批次最大字节数
	MaxBatchSize int64

	// MaxBatchEvents 单个批次最大事件数
	MaxBatchEvents int

	// MaxBatchAge 批次最长保持打开的时间，超过后在下一次追加或调度tick时关闭
	MaxBatchAge time.Duration

	// MaxStorageSize 存储总量上限（字节），超出后最旧的已关闭批次被逐出
	MaxStorageSize int64
}

// DefaultConfig 默认存储配置
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:            dir,
		MaxBatchSize:   512 << 10, // 512 KB
		MaxBatchEvents: 500,
		MaxBatchAge:    5 * time.Second,
		MaxStorageSize: 64 << 20, // 64 MB
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("storage config is nil")
	}
	if c.Dir == "" {
		return fmt.Errorf("Dir must not be empty")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MaxBatchSize must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MaxBatchEvents <= 0 {
		return fmt.Errorf("MaxBatchEvents must be > 0, got %d", c.MaxBatchEvents)
	}
	if c.MaxBatchAge <= 0 {
		return fmt.Errorf("MaxBatchAge must be > 0, got %v", c.MaxBatchAge)
	}
	if c.MaxStorageSize < c.MaxBatchSize {
		return fmt.Errorf("MaxStorageSize must be >= MaxBatchSize, got %d", c.MaxStorageSize)
	}
	return nil
}

// Stats 存储状态统计
type Stats struct {
	// ClosedBatches 已关闭（可上传）的批次数量
	ClosedBatches int
	// OpenEvents 当前打开批次内的事件数量（0 表示没有打开的批次）
	OpenEvents int
	// TotalBytes 全部批次文件字节数
	TotalBytes int64
}

// openBatch 当前打开的批次
type openBatch struct {
	meta *batch.Metadata
	file *os.File
}

// Store 文件批次存储
// 追加只写入当前打开的批次；批次按大小/数量/时长原子轮转；
// 已关闭批次按创建顺序交给上传方，同一批次同一时刻至多一个在途锁。
type Store struct {
	config   *Config
	feature  string
	reporter Reporter
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	open      *openBatch
	closed    []*batch.Metadata // 按创建时间从旧到新
	inFlight  map[string]bool
	totalSize int64
	shutdown  bool
}

// NewStore 创建批次存储并执行启动恢复
// 目录内遗留的批次文件（含上次打开时崩溃的）会被恢复为已关闭批次；
// 无法解码的文件被删除并通过 reporter 上报
func NewStore(feature string, config *Config, reporter Reporter) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", config.Dir, err)
	}

	s := &Store{
		config:   config,
		feature:  feature,
		reporter: reporter,
		log:      logger.ForFeature(feature),
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
	if err := s.recoverBatches(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append 追加一条事件到当前打开的批次
// 追加会导致批次超限时，先原子关闭当前批次再打开新批次接收该事件；
// 多个生产者并发调用时追加被串行化，轮转边界上事件不丢失不重复
func (s *Store) Append(ev batch.Event) error {
	size := batch.RecordSize(ev)
	// 批次文件自带文件头，事件必须连同文件头一起放得进字节上限
	if size+batch.HeaderSize > s.config.MaxBatchSize {
		s.reporter.ReportError("event dropped: larger than max batch size", map[string]interface{}{
			"feature": s.feature,
			"bytes":   size,
		})
		return ErrEventTooLarge
	}

	s.mu.Lock()

	if s.shutdown {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	if s.open != nil && s.rotateNeededLocked(size) {
		if err := s.closeOpenLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	if s.open == nil {
		if err := s.openNewLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	n, err := batch.EncodeRecord(s.open.file, ev)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to append event: %w", err)
	}
	s.open.meta.ByteSize += int64(n)
	s.open.meta.EventCount++
	s.totalSize += int64(n)

	evicted := s.enforceCeilingLocked()
	s.mu.Unlock()

	// 上报可能经由消息总线重入本存储（接收方读取 Stats 等），必须在放锁后发出
	for _, e := range evicted {
		s.reporter.ReportError("storage full: evicted oldest batch", map[string]interface{}{
			"feature":  s.feature,
			"batch_id": e.id,
			"bytes":    e.bytes,
		})
	}
	return nil
}

// RotateIfStale 关闭超龄的打开批次
// 由调度器每个 tick 调用，保证低流量下单条事件也能最终上传
func (s *Store) RotateIfStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown || s.open == nil {
		return
	}
	if s.now().Sub(s.open.meta.CreatedAt) >= s.config.MaxBatchAge {
		if err := s.closeOpenLocked(); err != nil {
			s.log.Error("failed to rotate stale batch", zap.Error(err))
		}
	}
}

// CloseOpen 无条件关闭当前打开的批次（用于 flush/teardown）
func (s *Store) CloseOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return
	}
	if err := s.closeOpenLocked(); err != nil {
		s.log.Error("failed to close open batch", zap.Error(err))
	}
}

// NextUploadable 返回最旧的、未在途且已过重试退避期的已关闭批次，并锁定它
// 同一批次同一时刻至多持有一个在途锁
func (s *Store) NextUploadable() (*batch.Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, meta := range s.closed {
		if s.inFlight[meta.ID] {
			continue
		}
		if meta.NextAttemptAt.After(now) {
			continue
		}
		s.inFlight[meta.ID] = true
		copied := *meta
		return &copied, true
	}
	return nil, false
}

// ReadBatch 按追加顺序读取批次内全部事件
// 损坏的批次被删除并上报，返回 ErrCorruptBatch，不会反复重试
func (s *Store) ReadBatch(id string) ([]batch.Event, error) {
	s.mu.Lock()
	meta := s.findLocked(id)
	if meta == nil {
		s.mu.Unlock()
		return nil, ErrBatchNotFound
	}
	path := filepath.Join(s.config.Dir, meta.File)
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		s.dropCorrupt(id, err)
		return nil, ErrCorruptBatch
	}
	events, err := batch.Decode(f)
	f.Close()
	if err != nil {
		s.dropCorrupt(id, err)
		return nil, ErrCorruptBatch
	}
	return events, nil
}

// RecordAttempt 记录一次上传尝试的结果
func (s *Store) RecordAttempt(id string, outcome batch.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.findLocked(id)
	if meta == nil {
		return
	}
	meta.Attempts++
	meta.LastOutcome = outcome
	s.persistMetaLocked(meta)
}

// Attempts 返回批次已进行的尝试次数
func (s *Store) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta := s.findLocked(id); meta != nil {
		return meta.Attempts
	}
	return 0
}

// Delete 永久删除批次（上传成功或永久失败后调用）
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

// Release 解除批次的在途锁，并推迟下次可尝试时间（瞬时失败后调用）
func (s *Store) Release(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	if meta := s.findLocked(id); meta != nil {
		meta.NextAttemptAt = s.now().Add(delay)
		s.persistMetaLocked(meta)
	}
}

// Stats 返回当前存储统计
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ClosedBatches: len(s.closed),
		TotalBytes:    s.totalSize,
	}
	if s.open != nil {
		st.OpenEvents = s.open.meta.EventCount
	}
	return st
}

// Empty 是否既没有打开批次也没有已关闭批次
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open == nil && len(s.closed) == 0
}

// Shutdown 关闭存储，拒绝后续追加
// 已关闭批次保留在磁盘上，进程重启后由启动恢复接管
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	if s.open != nil {
		if err := s.closeOpenLocked(); err != nil {
			s.log.Error("failed to close open batch on shutdown", zap.Error(err))
		}
	}
	s.shutdown = true
}

// --- 内部实现 ---

// rotateNeededLocked 追加 size 字节是否需要先轮转
func (s *Store) rotateNeededLocked(size int64) bool {
	meta := s.open.meta
	if meta.ByteSize+size > s.config.MaxBatchSize {
		return true
	}
	if meta.EventCount+1 > s.config.MaxBatchEvents {
		return true
	}
	if s.now().Sub(meta.CreatedAt) >= s.config.MaxBatchAge {
		return true
	}
	return false
}

func (s *Store) openNewLocked() error {
	meta := batch.NewMetadata(s.now())
	f, err := os.OpenFile(filepath.Join(s.config.Dir, meta.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create batch file: %w", err)
	}
	n, err := batch.WriteHeader(f)
	if err != nil {
		f.Close()
		os.Remove(filepath.Join(s.config.Dir, meta.File))
		return fmt.Errorf("failed to write batch header: %w", err)
	}
	meta.ByteSize = int64(n)
	s.totalSize += int64(n)
	s.open = &openBatch{meta: meta, file: f}
	s.log.Debug("opened new batch", zap.String("batch_id", meta.ID))
	return nil
}

// closeOpenLocked 原子关闭当前打开的批次：fsync、落盘元数据、加入已关闭队列
func (s *Store) closeOpenLocked() error {
	ob := s.open
	if err := ob.file.Sync(); err != nil {
		s.log.Error("failed to sync batch file", zap.String("batch_id", ob.meta.ID), zap.Error(err))
	}
	if err := ob.file.Close(); err != nil {
		return fmt.Errorf("failed to close batch file: %w", err)
	}
	ob.meta.ClosedAt = s.now()
	s.persistMetaLocked(ob.meta)
	s.closed = append(s.closed, ob.meta)
	s.open = nil
	s.log.Debug("closed batch",
		zap.String("batch_id", ob.meta.ID),
		zap.Int("events", ob.meta.EventCount),
		zap.Int64("bytes", ob.meta.ByteSize))
	return nil
}

// eviction 一次存储超限逐出，供放锁后上报
type eviction struct {
	id    string
	bytes int64
}

// enforceCeilingLocked 存储总量超限时逐出最旧的已关闭批次
// 这是持续背压下有意的数据丢弃策略：丢弃不上传。
// 只收集逐出记录不直接上报：上报链路可能重入存储，必须等调用方放锁后发出
func (s *Store) enforceCeilingLocked() []eviction {
	var evicted []eviction
	for s.totalSize > s.config.MaxStorageSize {
		removed := false
		for _, meta := range s.closed {
			if s.inFlight[meta.ID] {
				continue
			}
			e := eviction{id: meta.ID, bytes: meta.ByteSize}
			if err := s.deleteLocked(e.id); err != nil {
				s.log.Error("failed to evict batch", zap.String("batch_id", e.id), zap.Error(err))
				return evicted
			}
			evicted = append(evicted, e)
			removed = true
			break
		}
		if !removed {
			// 没有可逐出的批次（全部在途或只剩打开批次）
			return evicted
		}
	}
	return evicted
}

func (s *Store) findLocked(id string) *batch.Metadata {
	for _, meta := range s.closed {
		if meta.ID == id {
			return meta
		}
	}
	return nil
}

func (s *Store) deleteLocked(id string) error {
	idx := -1
	for i, meta := range s.closed {
		if meta.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrBatchNotFound
	}
	meta := s.closed[idx]
	if err := os.Remove(filepath.Join(s.config.Dir, meta.File)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove batch file: %w", err)
	}
	os.Remove(filepath.Join(s.config.Dir, meta.MetaFile()))
	s.totalSize -= meta.ByteSize
	s.closed = append(s.closed[:idx], s.closed[idx+1:]...)
	delete(s.inFlight, id)
	return nil
}

// dropCorrupt 删除损坏批次并上报
func (s *Store) dropCorrupt(id string, cause error) {
	s.mu.Lock()
	err := s.deleteLocked(id)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("failed to delete corrupt batch", zap.String("batch_id", id), zap.Error(err))
	}
	s.reporter.ReportError("corrupt batch deleted", map[string]interface{}{
		"feature":  s.feature,
		"batch_id": id,
		"cause":    cause.Error(),
	})
}

// persistMetaLocked 落盘元数据边车文件
// 元数据损坏或丢失是可恢复的（启动恢复会重建），所以这里不做原子替换
func (s *Store) persistMetaLocked(meta *batch.Metadata) {
	data, err := jxtjson.Marshal(meta)
	if err != nil {
		s.log.Error("failed to marshal batch metadata", zap.String("batch_id", meta.ID), zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(s.config.Dir, meta.MetaFile()), data, 0o644); err != nil {
		s.log.Error("failed to persist batch metadata", zap.String("batch_id", meta.ID), zap.Error(err))
	}
}
