package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	jxtjson "github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/json"
)

// recoverBatches 启动恢复：扫描存储目录，把遗留批次重建为已关闭批次
//
// 进程崩溃可能留下三类文件：
//  1. 正常关闭的批次 + 元数据边车 —— 直接装载
//  2. 崩溃时仍打开的批次（无边车或边车过期）—— 扫描文件重建元数据并关闭
//  3. 写入中途截断的批次 —— 保留完整前缀重写文件；完全不可解码的删除并上报
//
// 文件名以创建时间纳秒为前缀，按文件名排序即恢复创建顺序。
func (s *Store) recoverBatches() error {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to scan storage dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), batch.FileExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		meta, err := s.recoverOne(name)
		if errors.Is(err, errEmptyBatch) {
			// 只有文件头没有记录的批次（崩溃时刚打开）：静默清理
			os.Remove(filepath.Join(s.config.Dir, name))
			os.Remove(filepath.Join(s.config.Dir, strings.TrimSuffix(name, batch.FileExt)+batch.MetaExt))
			continue
		}
		if err != nil {
			s.dropUnreadable(name, err)
			continue
		}
		s.closed = append(s.closed, meta)
		s.totalSize += meta.ByteSize
	}

	// 清理没有对应批次文件的孤儿边车
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), batch.MetaExt) {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), batch.MetaExt)
		if _, err := os.Stat(filepath.Join(s.config.Dir, stem+batch.FileExt)); os.IsNotExist(err) {
			os.Remove(filepath.Join(s.config.Dir, entry.Name()))
		}
	}

	if len(s.closed) > 0 {
		s.log.Info("recovered batches from storage dir",
			zap.Int("batches", len(s.closed)),
			zap.Int64("bytes", s.totalSize))
	}
	return nil
}

// errEmptyBatch 批次文件只有文件头没有任何记录
var errEmptyBatch = errors.New("storage: empty batch file")

// recoverOne 恢复单个批次文件，返回可用的元数据
func (s *Store) recoverOne(name string) (*batch.Metadata, error) {
	path := filepath.Join(s.config.Dir, name)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	events, decodeErr := batch.Decode(f)
	f.Close()

	if decodeErr != nil {
		if !errors.Is(decodeErr, batch.ErrTruncatedRecord) || len(events) == 0 {
			return nil, decodeErr
		}
		// 尾部记录写入中途被截断：用完整前缀重写文件
		if err := s.rewrite(path, events); err != nil {
			return nil, err
		}
		s.reporter.ReportDebug("truncated batch repaired on recovery", map[string]interface{}{
			"feature": s.feature,
			"file":    name,
			"events":  len(events),
		})
	}

	if len(events) == 0 {
		return nil, errEmptyBatch
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	meta := s.loadMeta(name)
	if meta == nil || meta.EventCount != len(events) || meta.ByteSize != info.Size() {
		// 无边车或边车过期（崩溃时批次仍打开）：从文件内容重建
		meta = rebuildMeta(name, events, info.Size())
	}
	if !meta.Closed() {
		meta.ClosedAt = s.now()
	}
	s.persistMetaLocked(meta)
	return meta, nil
}

// loadMeta 装载元数据边车，不存在或不可解析时返回 nil
func (s *Store) loadMeta(name string) *batch.Metadata {
	stem := strings.TrimSuffix(name, batch.FileExt)
	data, err := os.ReadFile(filepath.Join(s.config.Dir, stem+batch.MetaExt))
	if err != nil {
		return nil
	}
	meta := &batch.Metadata{}
	if err := jxtjson.Unmarshal(data, meta); err != nil {
		return nil
	}
	if meta.File != name {
		return nil
	}
	return meta
}

// rebuildMeta 从批次文件内容重建元数据
func rebuildMeta(name string, events []batch.Event, size int64) *batch.Metadata {
	meta := &batch.Metadata{
		ID:         strings.TrimSuffix(name, batch.FileExt),
		File:       name,
		ByteSize:   size,
		EventCount: len(events),
	}
	if len(events) > 0 {
		meta.CreatedAt = events[0].CreatedAt
	}
	return meta
}

// rewrite 用解码出的完整事件前缀重写批次文件（临时文件 + 原子rename）
func (s *Store) rewrite(path string, events []batch.Event) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := batch.WriteHeader(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for _, ev := range events {
		if _, err := batch.EncodeRecord(f, ev); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// dropUnreadable 删除完全不可读的批次文件并上报
func (s *Store) dropUnreadable(name string, cause error) {
	os.Remove(filepath.Join(s.config.Dir, name))
	os.Remove(filepath.Join(s.config.Dir, strings.TrimSuffix(name, batch.FileExt)+batch.MetaExt))
	s.reporter.ReportError("unreadable batch deleted on recovery", map[string]interface{}{
		"feature": s.feature,
		"file":    name,
		"cause":   cause.Error(),
	})
}
