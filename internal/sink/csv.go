package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"wisefido-ingest/internal/models"

	"go.uber.org/zap"
)

// csvHeader 表头只在目标文件为空时写一次
var csvHeader = []string{
	"received_at", "source_topic", "device_id", "status",
	"heart_rate", "breath_rate", "decode_ok", "raw_payload",
}

// CSVSink 参考部署用的 CSV 持久化
// 追加写入单文件，表头只写一次；每条记录 flush+fsync 保证返回即落盘
type CSVSink struct {
	logger *zap.Logger
	stats  *Stats

	mu      sync.Mutex
	f       *os.File
	w       *csv.Writer
	lastKey map[string]string // device_id -> 最近写入的去重键，重试重复提交时跳过
}

// NewCSVSink 创建 CSV 持久化
func NewCSVSink(path string, stats *Stats, logger *zap.Logger) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv sink %s: %w", path, err)
	}

	s := &CSVSink{
		logger:  logger,
		stats:   stats,
		f:       f,
		w:       csv.NewWriter(f),
		lastKey: make(map[string]string),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat csv sink %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := s.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write csv header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to flush csv header: %w", err)
		}
	}

	return s, nil
}

// Append 追加单条读数
// 幂等：同一 (device_id, received_at) 的连续重复提交只保留一行
func (s *CSVSink) Append(ctx context.Context, r *models.SensorReading) error {
	key := r.DedupKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("csv sink is closed")
	}
	if s.lastKey[r.DeviceID] == key {
		s.stats.incDeduplicated()
		return nil
	}

	record := []string{
		r.ReceivedAt.UTC().Format(time.RFC3339Nano),
		r.SourceTopic,
		r.DeviceID,
		r.Status.String(),
		strconv.FormatFloat(r.HeartRate, 'f', -1, 64),
		strconv.FormatFloat(r.BreathRate, 'f', -1, 64),
		strconv.FormatBool(r.VitalsValid()),
		string(r.RawPayload),
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("failed to write csv record: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync csv sink: %w", err)
	}

	s.lastKey[r.DeviceID] = key
	s.stats.incAppended()
	return nil
}

// Close 关闭 CSV 文件
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	s.w.Flush()
	err := s.f.Close()
	s.f = nil
	return err
}
