package sink_test

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-ingest/internal/models"
	"wisefido-ingest/internal/sink"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSink_HeaderWrittenExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.csv")
	stats := &sink.Stats{}

	s, err := sink.NewCSVSink(path, stats, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), testReading("dev-1")))
	require.NoError(t, s.Close())

	// 重开已有文件不再写表头
	s, err = sink.NewCSVSink(path, stats, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), testReading("dev-2")))
	require.NoError(t, s.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 3) // 表头 + 2 条记录
	require.Equal(t, []string{
		"received_at", "source_topic", "device_id", "status",
		"heart_rate", "breath_rate", "decode_ok", "raw_payload",
	}, rows[0])
}

func TestCSVSink_RecordShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.csv")
	stats := &sink.Stats{}

	s, err := sink.NewCSVSink(path, stats, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	r := &models.SensorReading{
		DeviceID:    "1742883471",
		Status:      models.StatusAbsent,
		HeartRate:   141.0,
		BreathRate:  19.0,
		HRValid:     true,
		BRValid:     true,
		ReceivedAt:  time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC),
		SourceTopic: "/sensori/1742883471/current_sta",
		RawPayload:  []byte(`{"Device":"1742883471","Status":0,"HR":141.0,"BR":19.0}`),
	}
	require.NoError(t, s.Append(context.Background(), r))

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	record := rows[1]
	require.Equal(t, "2026-08-29T10:30:00Z", record[0])
	require.Equal(t, "/sensori/1742883471/current_sta", record[1])
	require.Equal(t, "1742883471", record[2])
	require.Equal(t, "ABSENT", record[3])
	require.Equal(t, "141", record[4])
	require.Equal(t, "19", record[5])
	require.Equal(t, "true", record[6])
	require.Equal(t, `{"Device":"1742883471","Status":0,"HR":141.0,"BR":19.0}`, record[7])
}

func TestCSVSink_IdempotentUnderRetry(t *testing.T) {
	// 同一 (device_id, received_at) 重复提交只留一行
	path := filepath.Join(t.TempDir(), "readings.csv")
	stats := &sink.Stats{}

	s, err := sink.NewCSVSink(path, stats, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	r := testReading("dev-1")
	require.NoError(t, s.Append(context.Background(), r))
	require.NoError(t, s.Append(context.Background(), r))

	rows := readCSV(t, path)
	require.Len(t, rows, 2) // 表头 + 1 条记录
	require.Equal(t, int64(1), stats.Snapshot().Appended)
	require.Equal(t, int64(1), stats.Snapshot().Deduplicated)

	// 不同设备互不影响去重
	require.NoError(t, s.Append(context.Background(), testReading("dev-2")))
	rows = readCSV(t, path)
	require.Len(t, rows, 3)
}

func TestCSVSink_InvalidVitalsFlagged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.csv")
	stats := &sink.Stats{}

	s, err := sink.NewCSVSink(path, stats, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	r := testReading("dev-1")
	r.HeartRate = -5
	r.HRValid = false
	require.NoError(t, s.Append(context.Background(), r))

	rows := readCSV(t, path)
	require.Equal(t, "false", rows[1][6]) // decode_ok
	require.Equal(t, "-5", rows[1][4])    // 原始值保留
}
