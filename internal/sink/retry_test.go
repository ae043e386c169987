package sink_test

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
	"wisefido-ingest/internal/sink"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakySink 前 failures 次 Append 失败，之后成功
type flakySink struct {
	mu       sync.Mutex
	failures int
	appended []*models.SensorReading
}

func (f *flakySink) Append(_ context.Context, r *models.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("transient write failure")
	}
	f.appended = append(f.appended, r)
	return nil
}

func (f *flakySink) Close() error { return nil }

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func testReading(deviceID string) *models.SensorReading {
	return &models.SensorReading{
		DeviceID:    deviceID,
		Status:      models.StatusPresentStill,
		HeartRate:   70,
		BreathRate:  15,
		HRValid:     true,
		BRValid:     true,
		ReceivedAt:  time.Now(),
		SourceTopic: "/sensori/" + deviceID + "/current_sta",
		RawPayload:  []byte(`{"Device":"` + deviceID + `","Status":1,"HR":70,"BR":15}`),
	}
}

func newTestDeadLetter(t *testing.T, stats *sink.Stats) (*sink.DeadLetter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	dl, err := sink.NewDeadLetter(path, nil, "", stats, zap.NewNop())
	require.NoError(t, err)
	return dl, path
}

func readDeadLetterEntries(t *testing.T, path string) []sink.DeadLetterEntry {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var entries []sink.DeadLetterEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e sink.DeadLetterEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestRetrySink_TransientFailuresRecoveredWithinCeiling(t *testing.T) {
	// 连续失败3次后成功，上限5次：记录恰好持久化一次，无死信
	stats := &sink.Stats{}
	inner := &flakySink{failures: 3}
	dl, dlPath := newTestDeadLetter(t, stats)
	defer dl.Close()

	s := sink.NewRetrySink(inner, dl, 5, time.Millisecond, 10*time.Millisecond, stats, zap.NewNop())

	err := s.Append(context.Background(), testReading("dev-1"))
	require.NoError(t, err)
	require.Equal(t, 1, inner.count())

	require.Empty(t, readDeadLetterEntries(t, dlPath))
	require.Equal(t, int64(3), stats.Snapshot().Retries)
	require.Equal(t, int64(0), stats.Snapshot().DeadLettered)
}

func TestRetrySink_ExhaustedRetriesRoutedToDeadLetter(t *testing.T) {
	// 持续失败超过上限：主存储零行，死信恰好一条
	stats := &sink.Stats{}
	inner := &flakySink{failures: 1 << 30}
	dl, dlPath := newTestDeadLetter(t, stats)
	defer dl.Close()

	s := sink.NewRetrySink(inner, dl, 3, time.Millisecond, 10*time.Millisecond, stats, zap.NewNop())

	reading := testReading("dev-2")
	err := s.Append(context.Background(), reading)
	require.Error(t, err)
	require.Equal(t, 0, inner.count())

	entries := readDeadLetterEntries(t, dlPath)
	require.Len(t, entries, 1)
	require.Equal(t, "reading", entries[0].Kind)
	require.Equal(t, "dev-2", entries[0].DeviceID)
	require.Equal(t, reading.RawPayload, entries[0].RawPayload)
	require.NotEmpty(t, entries[0].ID)
	require.Contains(t, entries[0].Error, "transient write failure")

	require.Equal(t, int64(1), stats.Snapshot().DeadLettered)
}

func TestDeadLetter_WriteFailure(t *testing.T) {
	stats := &sink.Stats{}
	dl, dlPath := newTestDeadLetter(t, stats)
	defer dl.Close()

	failure := &models.DecodeFailure{
		SourceTopic: "/sensori/X/current_sta",
		Payload:     []byte(`{"Device":"X","Status":5,"HR":70,"BR":15}`),
		Reason:      models.ReasonUnknownStatusCode,
		Field:       "Status",
		ReceivedAt:  time.Now(),
	}
	require.NoError(t, dl.WriteFailure(failure))

	entries := readDeadLetterEntries(t, dlPath)
	require.Len(t, entries, 1)
	require.Equal(t, "decode_failure", entries[0].Kind)
	require.Equal(t, "UNKNOWN_STATUS_CODE", entries[0].Reason)
	require.Equal(t, "Status", entries[0].Field)
	require.Equal(t, failure.Payload, entries[0].RawPayload)
}
