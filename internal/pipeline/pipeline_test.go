package pipeline_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wisefido-ingest/internal/models"
	"wisefido-ingest/internal/pipeline"
	"wisefido-ingest/internal/sink"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink 按设备记录写入顺序
type recordingSink struct {
	mu      sync.Mutex
	byDev   map[string][]*models.SensorReading
	started chan struct{} // 首次 Append 进入时关闭
	gate    chan struct{} // 非 nil 时 Append 阻塞等待（尊重 ctx 取消）
	once    sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		byDev:   make(map[string][]*models.SensorReading),
		started: make(chan struct{}),
	}
}

func (s *recordingSink) Append(ctx context.Context, r *models.SensorReading) error {
	s.once.Do(func() { close(s.started) })
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDev[r.DeviceID] = append(s.byDev[r.DeviceID], r)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) readings(deviceID string) []*models.SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SensorReading, len(s.byDev[deviceID]))
	copy(out, s.byDev[deviceID])
	return out
}

func reading(deviceID string, seq int) *models.SensorReading {
	return &models.SensorReading{
		DeviceID:    deviceID,
		Status:      models.StatusPresentStill,
		HeartRate:   float64(60 + seq),
		BreathRate:  15,
		HRValid:     true,
		BRValid:     true,
		ReceivedAt:  time.Unix(1700000000, int64(seq)),
		SourceTopic: "/sensori/" + deviceID + "/current_sta",
		RawPayload:  []byte(fmt.Sprintf(`{"Device":%q,"Status":1,"HR":%d,"BR":15}`, deviceID, 60+seq)),
	}
}

func newTestPipeline(t *testing.T, rec sink.Sink, depth, globalDepth, workers int, block bool) (*pipeline.Pipeline, *pipeline.Metrics, string) {
	t.Helper()
	stats := &sink.Stats{}
	dlPath := filepath.Join(t.TempDir(), "deadletter.jsonl")
	dl, err := sink.NewDeadLetter(dlPath, nil, "", stats, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	retry := sink.NewRetrySink(rec, dl, 1, time.Millisecond, time.Millisecond, stats, zap.NewNop())
	metrics := pipeline.NewMetrics()
	p := pipeline.New(depth, globalDepth, workers, block, retry, nil, dl, metrics, zap.NewNop())
	return p, metrics, dlPath
}

func TestPipeline_PreservesPerDeviceOrder(t *testing.T) {
	rec := newRecordingSink()
	p, metrics, _ := newTestPipeline(t, rec, 64, 1024, 8, false)

	const n = 50
	for i := 0; i < n; i++ {
		p.Submit(reading("dev-a", i))
		p.Submit(reading("dev-b", i))
	}
	p.Close(5 * time.Second)

	for _, dev := range []string{"dev-a", "dev-b"} {
		got := rec.readings(dev)
		require.Len(t, got, n, dev)
		for i := 1; i < n; i++ {
			// 设备内持久化顺序等于提交顺序，received_at 非降序
			require.False(t, got[i].ReceivedAt.Before(got[i-1].ReceivedAt), dev)
			require.Equal(t, float64(60+i), got[i].HeartRate, dev)
		}
	}
	require.Equal(t, int64(2*n), metrics.Snapshot().ReadingsPersisted)
}

func TestPipeline_SlowDeviceDoesNotBlockOthers(t *testing.T) {
	// dev-slow 的写入被卡住，dev-fast 仍应全部落盘
	slow := newRecordingSink()
	slow.gate = make(chan struct{})
	fast := newRecordingSink()
	p, _, _ := newTestPipeline(t, &routingSink{slowDev: "dev-slow", slow: slow, fast: fast}, 8, 1024, 4, false)

	p.Submit(reading("dev-slow", 0))
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow sink never saw the first reading")
	}

	const n = 10
	for i := 0; i < n; i++ {
		p.Submit(reading("dev-fast", i))
	}

	// dev-slow 仍然卡住时 dev-fast 已全部持久化
	require.Eventually(t, func() bool {
		return len(fast.readings("dev-fast")) == n
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, slow.readings("dev-slow"))

	close(slow.gate)
	p.Close(5 * time.Second)
	require.Len(t, slow.readings("dev-slow"), 1)
}

// routingSink 将指定设备的写入交给 slow，其余交给 fast
type routingSink struct {
	slowDev string
	slow    sink.Sink
	fast    sink.Sink
}

func (s *routingSink) Append(ctx context.Context, r *models.SensorReading) error {
	if r.DeviceID == s.slowDev {
		return s.slow.Append(ctx, r)
	}
	return s.fast.Append(ctx, r)
}

func (s *routingSink) Close() error { return nil }

func TestPipeline_DropOldestWhenQueueFull(t *testing.T) {
	rec := newRecordingSink()
	rec.gate = make(chan struct{})
	p, metrics, _ := newTestPipeline(t, rec, 2, 1024, 2, false)

	// 首条进入在途并阻塞
	p.Submit(reading("dev-a", 0))
	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never saw the first reading")
	}

	// 队列深度2：继续提交4条，最旧的被挤掉
	for i := 1; i <= 4; i++ {
		p.Submit(reading("dev-a", i))
	}

	close(rec.gate)
	p.Close(5 * time.Second)

	require.Equal(t, int64(2), metrics.Snapshot().ReadingsDropped)
	got := rec.readings("dev-a")
	require.Len(t, got, 3) // 在途1条 + 存活2条
	// 存活的是最新的两条
	require.Equal(t, float64(63), got[1].HeartRate)
	require.Equal(t, float64(64), got[2].HeartRate)
}

func TestPipeline_BlockModePersistsEverything(t *testing.T) {
	rec := newRecordingSink()
	p, metrics, _ := newTestPipeline(t, rec, 2, 1024, 2, true)

	for i := 0; i < 20; i++ {
		p.Submit(reading("dev-a", i))
	}
	p.Close(5 * time.Second)

	require.Len(t, rec.readings("dev-a"), 20)
	require.Equal(t, int64(0), metrics.Snapshot().ReadingsDropped)
}

func TestPipeline_SubmitFailureGoesToDeadLetterOnly(t *testing.T) {
	rec := newRecordingSink()
	p, _, dlPath := newTestPipeline(t, rec, 8, 1024, 2, false)

	p.SubmitFailure(&models.DecodeFailure{
		SourceTopic: "/sensori/X/current_sta",
		Payload:     []byte("not-json"),
		Reason:      models.ReasonMalformedJSON,
		ReceivedAt:  time.Now(),
	})

	// 失败后管道继续接收读数
	p.Submit(reading("dev-a", 1))
	p.Close(5 * time.Second)

	require.Len(t, rec.readings("dev-a"), 1)

	f, err := os.Open(dlPath)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry sink.DeadLetterEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		require.Equal(t, "decode_failure", entry.Kind)
		lines++
	}
	require.Equal(t, 1, lines)
}

func TestPipeline_GlobalBudgetBoundsBufferedReadings(t *testing.T) {
	rec := newRecordingSink()
	rec.gate = make(chan struct{})
	// 全局额度2：一条在途加一条积压即占满
	p, metrics, _ := newTestPipeline(t, rec, 8, 2, 1, false)

	p.Submit(reading("dev-a", 0))
	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never saw the first reading")
	}
	p.Submit(reading("dev-a", 1))

	// 额度耗尽：本设备挤掉最旧一条复用额度
	p.Submit(reading("dev-a", 2))
	require.Equal(t, 1, p.Backlog())

	// 额度耗尽且本设备无积压可挤占：放弃新读数
	p.Submit(reading("dev-b", 0))
	require.Equal(t, 1, p.Backlog())

	close(rec.gate)
	p.Close(5 * time.Second)

	got := rec.readings("dev-a")
	require.Len(t, got, 2)
	require.Equal(t, float64(60), got[0].HeartRate)
	require.Equal(t, float64(62), got[1].HeartRate)
	require.Empty(t, rec.readings("dev-b"))
	require.Equal(t, int64(2), metrics.Snapshot().ReadingsDropped)
	require.Equal(t, int64(2), metrics.Snapshot().ReadingsPersisted)
}

func TestPipeline_CloseDuringBlockedSubmitDoesNotPanic(t *testing.T) {
	rec := newRecordingSink()
	rec.gate = make(chan struct{}) // 永不放行，提交方持续被背压
	p, metrics, _ := newTestPipeline(t, rec, 1, 1024, 1, true)

	p.Submit(reading("dev-a", 0))
	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never saw the first reading")
	}
	p.Submit(reading("dev-a", 1)) // 队列占满

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		p.Submit(reading("dev-a", 2)) // 阻塞等待队列空位
	}()
	time.Sleep(50 * time.Millisecond)

	// 关闭与被阻塞的提交并发：提交方在宽限期取消后放弃，绝不触发 panic
	p.Close(100 * time.Millisecond)

	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit never returned after close")
	}
	require.GreaterOrEqual(t, metrics.Snapshot().ReadingsDropped, int64(1))
}

func TestPipeline_GraceExpiryCountsAbandoned(t *testing.T) {
	rec := newRecordingSink()
	rec.gate = make(chan struct{}) // 永不放行，只能靠 ctx 取消退出
	p, metrics, _ := newTestPipeline(t, rec, 8, 1024, 2, false)

	p.Submit(reading("dev-a", 0))
	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never saw the first reading")
	}
	p.Submit(reading("dev-a", 1))
	p.Submit(reading("dev-a", 2))

	start := time.Now()
	p.Close(50 * time.Millisecond)
	require.Less(t, time.Since(start), 2*time.Second)

	// 在途1条被取消，积压2条计为放弃
	require.Equal(t, int64(2), metrics.Snapshot().ReadingsAbandoned)
}
