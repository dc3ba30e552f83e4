package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/bus"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/consent"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/storage"
	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/upload"
)

// countingTransport 记录投递次数，始终返回指定结果
type countingTransport struct {
	mu      sync.Mutex
	sends   int
	outcome batch.Outcome
}

func (t *countingTransport) Send(_ context.Context, _ []byte) batch.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends++
	return t.outcome
}

func (t *countingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func newTestCore(t *testing.T, initial consent.Status) (*Core, *countingTransport) {
	t.Helper()
	transport := &countingTransport{outcome: batch.OutcomeDelivered}
	c, err := New(Options{
		AppID:            "app-1",
		AppName:          "demo",
		Env:              "test",
		ServiceVersion:   "0.1.0",
		StorageRoot:      t.TempDir(),
		InitialConsent:   initial,
		DefaultTransport: transport,
	})
	require.NoError(t, err)
	return c, transport
}

// smallBatchRegistration 小批次上限、调度休眠很长，测试里手动观察存储状态
func smallBatchRegistration(t *testing.T, name string, maxEvents int) Registration {
	t.Helper()
	return Registration{
		Name: name,
		Storage: &storage.Config{
			Dir:            t.TempDir(),
			MaxBatchSize:   1 << 20,
			MaxBatchEvents: maxEvents,
			MaxBatchAge:    time.Hour,
			MaxStorageSize: 8 << 20,
		},
		Scheduler: &upload.SchedulerConfig{
			MinInterval:     time.Hour,
			MaxInterval:     2 * time.Hour,
			InitialInterval: time.Hour,
			DecreaseFactor:  0.7,
			IncreaseFactor:  1.5,
			FlushTimeout:    time.Second,
		},
	}
}

func featureStats(t *testing.T, c *Core, name string) func() storage.Stats {
	t.Helper()
	h, ok := c.Feature(name)
	require.True(t, ok)
	return h.StorageStats
}

func TestRegisterDuplicateFeature(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())

	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))
	err := c.Register(context.Background(), smallBatchRegistration(t, "logs", 10))
	assert.ErrorIs(t, err, ErrDuplicateFeature)
}

func TestWriteUnknownFeature(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())

	err := c.Write("nope", []byte("{}"), false)
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestWritesRotateBatchAtEventLimit(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 2)))

	// 上限 2 条：第 3 条写入触发轮转，留下 1 个已关闭批次和 1 条打开事件
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Write("logs", []byte(`{"msg":"hi"}`), false))
	}

	stats := featureStats(t, c, "logs")
	assert.Eventually(t, func() bool {
		s := stats()
		return s.ClosedBatches == 1 && s.OpenEvents == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerDeliversClosedBatches(t *testing.T) {
	c, transport := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())

	reg := smallBatchRegistration(t, "logs", 2)
	reg.Scheduler = &upload.SchedulerConfig{
		MinInterval:     time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		InitialInterval: time.Millisecond,
		DecreaseFactor:  0.7,
		IncreaseFactor:  1.5,
		FlushTimeout:    time.Second,
	}
	require.NoError(t, c.Register(context.Background(), reg))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Write("logs", []byte(`{"msg":"hi"}`), false))
	}

	// 已关闭批次被投递删除，打开中的批次不受影响
	stats := featureStats(t, c, "logs")
	assert.Eventually(t, func() bool {
		s := stats()
		return s.ClosedBatches == 0 && s.OpenEvents == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, transport.count(), 1)
}

func TestPendingConsentHoldsWritesUntilGranted(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusPending)
	defer c.Stop(context.Background())
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))

	require.NoError(t, c.Write("logs", []byte(`{"n":1}`), false))
	require.NoError(t, c.Write("logs", []byte(`{"n":2}`), false))

	stats := featureStats(t, c, "logs")
	// 待定期间事件只在内存暂存，不落盘
	assert.Never(t, func() bool {
		return stats().OpenEvents > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	c.SetConsent(consent.StatusGranted)
	assert.Eventually(t, func() bool {
		return stats().OpenEvents == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeniedConsentDiscardsPendingWrites(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusPending)
	defer c.Stop(context.Background())
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))

	require.NoError(t, c.Write("logs", []byte(`{"n":1}`), false))
	c.SetConsent(consent.StatusDenied)
	// 拒绝后再转授权，被丢弃的暂存事件不会复活
	c.SetConsent(consent.StatusGranted)

	stats := featureStats(t, c, "logs")
	assert.Never(t, func() bool {
		return stats().OpenEvents > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBypassConsentWritesThroughDeniedGate(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusDenied)
	defer c.Stop(context.Background())
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))

	require.NoError(t, c.Write("logs", []byte(`{"n":1}`), true))

	stats := featureStats(t, c, "logs")
	assert.Eventually(t, func() bool {
		return stats().OpenEvents == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBypassConsentRegistrationDefault(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusDenied)
	defer c.Stop(context.Background())

	reg := smallBatchRegistration(t, "crash", 10)
	reg.BypassConsent = true
	require.NoError(t, c.Register(context.Background(), reg))

	// Feature 级 bypass：普通写入也无视被拒绝的同意门
	require.NoError(t, c.Write("crash", []byte(`{"msg":"panic"}`), false))

	stats := featureStats(t, c, "crash")
	assert.Eventually(t, func() bool {
		return stats().OpenEvents == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWriteWithAttributesReachesStorage(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))

	h, ok := c.Feature("logs")
	require.True(t, ok)
	h.WriteWithAttributes([]byte(`{"msg":"hi"}`), map[string]interface{}{"view_id": "v1"}, false)

	stats := featureStats(t, c, "logs")
	assert.Eventually(t, func() bool {
		return stats().OpenEvents == 1
	}, 2*time.Second, 5*time.Millisecond)
}

type logsCapability interface {
	FeatureKind() string
}

type logsHandle struct{}

func (logsHandle) FeatureKind() string { return "logs" }

func TestCapabilityLookup(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())

	reg := smallBatchRegistration(t, "logs", 10)
	reg.Capability = logsHandle{}
	require.NoError(t, c.Register(context.Background(), reg))
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "traces", 10)))

	capability, ok := Capability[logsCapability](c, "logs")
	require.True(t, ok)
	assert.Equal(t, "logs", capability.FeatureKind())

	// 类型不匹配或未注册都查不到
	_, ok = Capability[interface{ Missing() }](c, "logs")
	assert.False(t, ok)
	_, ok = Capability[logsCapability](c, "traces")
	assert.False(t, ok)
	_, ok = Capability[logsCapability](c, "nope")
	assert.False(t, ok)
}

func TestLateRegistrationInheritsCurrentConsent(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusPending)
	defer c.Stop(context.Background())

	c.SetConsent(consent.StatusGranted)
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))

	h, ok := c.Feature("logs")
	require.True(t, ok)
	assert.Equal(t, consent.StatusGranted, h.Consent())
}

func TestConsentChangeUpdatesContextAndBroadcasts(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusPending)
	defer c.Stop(context.Background())

	var mu sync.Mutex
	var changes int
	c.bus.Subscribe("observer", bus.ReceiverFunc(func(msg bus.Message) bool {
		if msg.Kind() == bus.KindContextChanged {
			mu.Lock()
			changes++
			mu.Unlock()
		}
		return true
	}))

	before := c.Context().Version
	c.SetConsent(consent.StatusGranted)

	snap := c.Context()
	assert.Equal(t, consent.StatusGranted, snap.Consent)
	assert.Greater(t, snap.Version, before)
	mu.Lock()
	assert.Equal(t, 1, changes)
	mu.Unlock()
}

func TestTelemetryReportRoutedToSubscriber(t *testing.T) {
	c, _ := newTestCore(t, consent.StatusGranted)
	defer c.Stop(context.Background())

	var got []bus.Telemetry
	c.bus.Subscribe("telemetry", bus.ReceiverFunc(func(msg bus.Message) bool {
		if tm, ok := msg.(bus.Telemetry); ok {
			got = append(got, tm)
			return true
		}
		return false
	}))

	c.ReportError("batch evicted", map[string]interface{}{"feature": "logs"})
	c.ReportDebug("batch repaired", nil)

	require.Len(t, got, 2)
	assert.Equal(t, bus.TelemetryError, got[0].Level)
	assert.Equal(t, "batch evicted", got[0].Message)
	assert.Equal(t, bus.TelemetryDebug, got[1].Level)
}

func TestStopFlushesAndRejectsFurtherUse(t *testing.T) {
	c, transport := newTestCore(t, consent.StatusGranted)
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "logs", 10)))
	require.NoError(t, c.Register(context.Background(), smallBatchRegistration(t, "traces", 10)))

	require.NoError(t, c.Write("logs", []byte(`{"n":1}`), false))
	require.NoError(t, c.Write("traces", []byte(`{"n":2}`), false))

	require.NoError(t, c.Stop(context.Background()))

	// 停机冲刷把两个 Feature 的打开批次都投递了出去
	assert.Equal(t, 2, transport.count())
	assert.ErrorIs(t, c.Stop(context.Background()), ErrCoreStopped)
	assert.ErrorIs(t, c.Register(context.Background(), smallBatchRegistration(t, "rum", 10)), ErrCoreStopped)
}

func TestOptionsValidate(t *testing.T) {
	assert.Error(t, (&Options{}).Validate())
	assert.Error(t, (&Options{StorageRoot: "/tmp/x", InitialConsent: "maybe"}).Validate())
	assert.NoError(t, (&Options{StorageRoot: "/tmp/x"}).Validate())
}
