package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
)

// captureReporter 记录内部遥测上报（测试用）
type captureReporter struct {
	mu     sync.Mutex
	errors []string
	debugs []string
}

func (r *captureReporter) ReportError(message string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *captureReporter) ReportDebug(message string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugs = append(r.debugs, message)
}

func (r *captureReporter) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func testConfig(dir string) *Config {
	return &Config{
		Dir:            dir,
		MaxBatchSize:   1 << 20,
		MaxBatchEvents: 100,
		MaxBatchAge:    time.Hour,
		MaxStorageSize: 16 << 20,
	}
}

func newTestStore(t *testing.T, config *Config) (*Store, *captureReporter) {
	t.Helper()
	reporter := &captureReporter{}
	store, err := NewStore("test", config, reporter)
	require.NoError(t, err)
	return store, reporter
}

func event(data string) batch.Event {
	return batch.Event{Data: []byte(data), CreatedAt: time.Now()}
}

func TestAppendPreservesOrder(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t.TempDir()))

	for i := 0; i < 20; i++ {
		require.NoError(t, store.Append(event(fmt.Sprintf("event-%d", i))))
	}
	store.CloseOpen()

	meta, ok := store.NextUploadable()
	require.True(t, ok)
	events, err := store.ReadBatch(meta.ID)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("event-%d", i), string(ev.Data))
	}
}

func TestOpenBatchInvisibleToScheduler(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t.TempDir()))

	require.NoError(t, store.Append(event("open")))

	// 未关闭的批次对调度器不可见
	_, ok := store.NextUploadable()
	assert.False(t, ok)

	store.CloseOpen()
	meta, ok := store.NextUploadable()
	require.True(t, ok)
	assert.Equal(t, 1, meta.EventCount)
}

func TestRotateOnEventCount(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchEvents = 2
	store, _ := newTestStore(t, config)

	// 3 条事件、批次上限 2 条：1 个已关闭批次（2 条）+ 1 个打开批次（1 条）
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(event(fmt.Sprintf("event-%d", i))))
	}

	stats := store.Stats()
	assert.Equal(t, 1, stats.ClosedBatches)
	assert.Equal(t, 1, stats.OpenEvents)

	// 轮转边界上不丢不重
	meta, ok := store.NextUploadable()
	require.True(t, ok)
	events, err := store.ReadBatch(meta.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "event-0", string(events[0].Data))
	assert.Equal(t, "event-1", string(events[1].Data))
}

func TestRotateOnByteSize(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchSize = 128
	store, _ := newTestStore(t, config)

	payload := make([]byte, 64)
	require.NoError(t, store.Append(batch.Event{Data: payload, CreatedAt: time.Now()}))
	require.NoError(t, store.Append(batch.Event{Data: payload, CreatedAt: time.Now()}))

	stats := store.Stats()
	assert.Equal(t, 1, stats.ClosedBatches)
	assert.Equal(t, 1, stats.OpenEvents)
}

func TestRotateIfStale(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchAge = time.Minute
	store, _ := newTestStore(t, config)

	require.NoError(t, store.Append(event("lonely")))

	// 未超龄不轮转
	store.RotateIfStale()
	assert.Equal(t, 0, store.Stats().ClosedBatches)

	// 拨快时钟后轮转
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	store.RotateIfStale()
	assert.Equal(t, 1, store.Stats().ClosedBatches)
}

func TestConcurrentAppend(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchEvents = 7
	store, _ := newTestStore(t, config)

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = store.Append(event(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()
	store.CloseOpen()

	// 所有事件都在，一条不丢一条不重
	total := 0
	for {
		meta, ok := store.NextUploadable()
		if !ok {
			break
		}
		events, err := store.ReadBatch(meta.ID)
		require.NoError(t, err)
		total += len(events)
		require.NoError(t, store.Delete(meta.ID))
	}
	assert.Equal(t, writers*perWriter, total)
}

func TestAtMostOneInFlightLock(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t.TempDir()))
	require.NoError(t, store.Append(event("solo")))
	store.CloseOpen()

	// 并发争抢同一个批次，只有一个 goroutine 能锁到
	const goroutines = 16
	var wg sync.WaitGroup
	locked := make(chan string, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if meta, ok := store.NextUploadable(); ok {
				locked <- meta.ID
			}
		}()
	}
	wg.Wait()
	close(locked)

	count := 0
	for range locked {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestReleaseMakesBatchEligibleAgain(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t.TempDir()))
	require.NoError(t, store.Append(event("retry me")))
	store.CloseOpen()

	meta, ok := store.NextUploadable()
	require.True(t, ok)

	// 在途期间不可再次锁定
	_, ok = store.NextUploadable()
	assert.False(t, ok)

	// 释放后经过退避期重新可见
	store.Release(meta.ID, 50*time.Millisecond)
	_, ok = store.NextUploadable()
	assert.False(t, ok, "must respect backoff delay")

	time.Sleep(80 * time.Millisecond)
	again, ok := store.NextUploadable()
	require.True(t, ok)
	assert.Equal(t, meta.ID, again.ID)
}

func TestDeleteRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t.TempDir()))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(event(fmt.Sprintf("event-%d", i))))
	}
	store.CloseOpen()

	meta, ok := store.NextUploadable()
	require.True(t, ok)
	require.NoError(t, store.Delete(meta.ID))

	// 模拟上传成功后存储应当为空
	assert.True(t, store.Empty())
	assert.Equal(t, int64(0), store.Stats().TotalBytes)
}

func TestStorageCeilingEvictsOldest(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchSize = 256
	config.MaxBatchEvents = 2
	config.MaxStorageSize = 600
	store, reporter := newTestStore(t, config)

	payload := make([]byte, 96)
	var firstBatch string
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(batch.Event{Data: payload, CreatedAt: time.Now()}))
		if i == 2 {
			if meta, ok := store.NextUploadable(); ok {
				firstBatch = meta.ID
				store.Release(meta.ID, 0)
			}
		}
	}

	// 总量被压在上限以内，最旧批次被逐出并上报
	assert.LessOrEqual(t, store.Stats().TotalBytes, config.MaxStorageSize)
	assert.Greater(t, reporter.errorCount(), 0)
	if firstBatch != "" {
		_, err := store.ReadBatch(firstBatch)
		assert.Error(t, err)
	}
}

func TestCorruptBatchDeletedAndReported(t *testing.T) {
	dir := t.TempDir()
	store, reporter := newTestStore(t, testConfig(dir))
	require.NoError(t, store.Append(event("doomed")))
	store.CloseOpen()

	meta, ok := store.NextUploadable()
	require.True(t, ok)

	// 破坏文件头
	path := filepath.Join(dir, meta.File)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := store.ReadBatch(meta.ID)
	assert.ErrorIs(t, err, ErrCorruptBatch)
	assert.Equal(t, 1, reporter.errorCount())

	// 已删除，不会反复重试
	assert.True(t, store.Empty())
}

func TestEventTooLargeDropped(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchSize = 64
	store, reporter := newTestStore(t, config)

	err := store.Append(batch.Event{Data: make([]byte, 128), CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrEventTooLarge)
	assert.Equal(t, 1, reporter.errorCount())
	assert.True(t, store.Empty())
}

func TestEventSizeLimitIncludesFileHeader(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchSize = 128
	store, reporter := newTestStore(t, config)

	// 记录加文件头恰好等于上限：放得进
	fits := batch.Event{Data: make([]byte, 98), CreatedAt: time.Now()}
	require.Equal(t, config.MaxBatchSize, batch.RecordSize(fits)+batch.HeaderSize)
	require.NoError(t, store.Append(fits))

	// 多一字节就连同文件头放不进任何批次文件
	over := batch.Event{Data: make([]byte, 99), CreatedAt: time.Now()}
	assert.ErrorIs(t, store.Append(over), ErrEventTooLarge)
	assert.Equal(t, 1, reporter.errorCount())

	store.CloseOpen()
	meta, ok := store.NextUploadable()
	require.True(t, ok)
	// 落盘的批次文件（含文件头）不超过字节上限
	assert.Equal(t, config.MaxBatchSize, meta.ByteSize)
}

// reentrantReporter 在上报回调里回读存储状态（测试用），
// 模拟上报经消息总线送达、接收方读取 Stats 的链路
type reentrantReporter struct {
	mu    sync.Mutex
	store *Store
	count int
}

func (r *reentrantReporter) ReportError(string, map[string]interface{}) {
	r.store.Stats()
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *reentrantReporter) ReportDebug(string, map[string]interface{}) {}

func TestEvictionReportReleasesStoreLock(t *testing.T) {
	config := testConfig(t.TempDir())
	config.MaxBatchSize = 256
	config.MaxBatchEvents = 2
	config.MaxStorageSize = 600
	reporter := &reentrantReporter{}
	store, err := NewStore("test", config, reporter)
	require.NoError(t, err)
	reporter.store = store

	payload := make([]byte, 96)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = store.Append(batch.Event{Data: payload, CreatedAt: time.Now()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked: eviction report ran while the store lock was held")
	}

	reporter.mu.Lock()
	evictions := reporter.count
	reporter.mu.Unlock()
	assert.Greater(t, evictions, 0)
}

func TestShutdownRejectsAppends(t *testing.T) {
	store, _ := newTestStore(t, testConfig(t.TempDir()))
	require.NoError(t, store.Append(event("before")))
	store.Shutdown()

	assert.ErrorIs(t, store.Append(event("after")), ErrStoreClosed)
	// 关闭时打开批次被落盘为已关闭批次
	assert.Equal(t, 1, store.Stats().ClosedBatches)
}

func TestRecoveryReloadsClosedBatches(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)

	store, _ := newTestStore(t, config)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(event(fmt.Sprintf("event-%d", i))))
	}
	store.CloseOpen()
	require.NoError(t, store.Append(event("still-open")))
	store.Shutdown()

	// 重启：两个批次都应恢复为已关闭、保持创建顺序
	recovered, _ := newTestStore(t, config)
	stats := recovered.Stats()
	assert.Equal(t, 2, stats.ClosedBatches)

	meta, ok := recovered.NextUploadable()
	require.True(t, ok)
	events, err := recovered.ReadBatch(meta.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "event-0", string(events[0].Data))
}

func TestRecoveryRepairsTruncatedBatch(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)

	store, _ := newTestStore(t, config)
	require.NoError(t, store.Append(event("intact-0")))
	require.NoError(t, store.Append(event("intact-1")))
	store.Shutdown()

	// 模拟写入中途崩溃：截断最后一条记录
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var batchFile string
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == batch.FileExt {
			batchFile = filepath.Join(dir, entry.Name())
		}
	}
	require.NotEmpty(t, batchFile)
	info, err := os.Stat(batchFile)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(batchFile, info.Size()-4))

	recovered, reporter := newTestStore(t, config)
	meta, ok := recovered.NextUploadable()
	require.True(t, ok)
	events, err := recovered.ReadBatch(meta.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "intact-0", string(events[0].Data))

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	assert.NotEmpty(t, reporter.debugs)
}

func TestRecoveryDropsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000000000000001-x.batch"), []byte("junk"), 0o644))

	store, reporter := newTestStore(t, testConfig(dir))
	assert.True(t, store.Empty())
	assert.Equal(t, 1, reporter.errorCount())
}
