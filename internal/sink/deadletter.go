package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"wisefido-ingest/internal/models"
	rediscommon "wisefido-ingest/internal/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadLetterEntry 死信记录
// RawPayload 为原始字节，JSON 编码时按 base64 输出，保证任意字节序列可取证
type DeadLetterEntry struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // reading | decode_failure
	WrittenAt   time.Time `json:"written_at"`
	ReceivedAt  time.Time `json:"received_at"`
	SourceTopic string    `json:"source_topic"`
	DeviceID    string    `json:"device_id,omitempty"`
	Reason      string    `json:"reason,omitempty"` // 解码失败原因
	Field       string    `json:"field,omitempty"`  // 触发失败的字段
	Error       string    `json:"error,omitempty"`  // 持久化耗尽重试的最后错误
	RawPayload  []byte    `json:"raw_payload"`
}

// DeadLetter 死信通道
// 逐行 JSON 追加到本地文件；可选镜像到 Redis Stream 供在线巡检
type DeadLetter struct {
	logger      *zap.Logger
	redisClient *redis.Client // 可为 nil
	stream      string
	stats       *Stats

	mu sync.Mutex
	f  *os.File
}

// NewDeadLetter 创建死信通道
// redisClient 为 nil 时只写本地文件
func NewDeadLetter(path string, redisClient *redis.Client, stream string, stats *Stats, logger *zap.Logger) (*DeadLetter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter file %s: %w", path, err)
	}
	return &DeadLetter{
		logger:      logger,
		redisClient: redisClient,
		stream:      stream,
		stats:       stats,
		f:           f,
	}, nil
}

// WriteReading 记录耗尽重试后放弃持久化的读数
func (d *DeadLetter) WriteReading(r *models.SensorReading, cause error) error {
	entry := &DeadLetterEntry{
		ID:          uuid.NewString(),
		Kind:        "reading",
		WrittenAt:   time.Now(),
		ReceivedAt:  r.ReceivedAt,
		SourceTopic: r.SourceTopic,
		DeviceID:    r.DeviceID,
		Error:       cause.Error(),
		RawPayload:  r.RawPayload,
	}
	return d.write(entry)
}

// WriteFailure 记录解码失败
func (d *DeadLetter) WriteFailure(f *models.DecodeFailure) error {
	entry := &DeadLetterEntry{
		ID:          uuid.NewString(),
		Kind:        "decode_failure",
		WrittenAt:   time.Now(),
		ReceivedAt:  f.ReceivedAt,
		SourceTopic: f.SourceTopic,
		Reason:      string(f.Reason),
		Field:       f.Field,
		RawPayload:  f.Payload,
	}
	return d.write(entry)
}

func (d *DeadLetter) write(entry *DeadLetterEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		d.stats.incDeadLetterErrors()
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	d.mu.Lock()
	_, werr := d.f.Write(append(line, '\n'))
	if werr == nil {
		werr = d.f.Sync()
	}
	d.mu.Unlock()

	if werr != nil {
		d.stats.incDeadLetterErrors()
		return fmt.Errorf("failed to append dead letter entry: %w", werr)
	}
	d.stats.incDeadLettered()

	d.logger.Warn("Routed record to dead letter channel",
		zap.String("dead_letter_id", entry.ID),
		zap.String("kind", entry.Kind),
		zap.String("source_topic", entry.SourceTopic),
		zap.String("device_id", entry.DeviceID),
		zap.String("reason", entry.Reason),
		zap.String("error", entry.Error),
	)

	// Redis 镜像仅尽力而为，失败不影响本地死信
	if d.redisClient != nil && d.stream != "" {
		if _, err := rediscommon.PublishJSONToStream(context.Background(), d.redisClient, d.stream, entry); err != nil {
			d.stats.incLiveErrors()
			d.logger.Debug("Failed to mirror dead letter entry to Redis Streams", zap.Error(err))
		}
	}
	return nil
}

// Close 关闭死信文件
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
