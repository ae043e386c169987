package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-ingest/internal/models"
	rediscommon "wisefido-ingest/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// LivePublisher 实时监控数据发布器
// 每条已持久化的读数发布到 Redis Streams，并镜像最新值到单键供看板直读
// 尽力而为：Redis 故障只计数，不阻塞也不影响持久化
type LivePublisher struct {
	client *redis.Client
	stream string
	stats  *Stats
	logger *zap.Logger
}

// NewLivePublisher 创建实时数据发布器
func NewLivePublisher(client *redis.Client, stream string, stats *Stats, logger *zap.Logger) *LivePublisher {
	return &LivePublisher{
		client: client,
		stream: stream,
		stats:  stats,
		logger: logger,
	}
}

// Publish 发布单条读数
func (p *LivePublisher) Publish(ctx context.Context, r *models.SensorReading) {
	data := map[string]interface{}{
		"device_id":   r.DeviceID,
		"status":      r.Status.String(),
		"heart_rate":  r.HeartRate,
		"breath_rate": r.BreathRate,
		"decode_ok":   r.VitalsValid(),
		"received_at": r.ReceivedAt.Unix(),
		"topic":       r.SourceTopic,
	}

	streamID, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, data)
	if err != nil {
		p.stats.incLiveErrors()
		p.logger.Warn("Failed to publish reading to Redis Streams",
			zap.String("device_id", r.DeviceID),
			zap.String("stream", p.stream),
			zap.Error(err),
		)
		return
	}

	// 最新值镜像键，看板无需消费流即可读到当前状态
	if jsonBytes, err := json.Marshal(data); err == nil {
		key := fmt.Sprintf("ingest:device:%s:latest", r.DeviceID)
		if err := p.client.Set(ctx, key, string(jsonBytes), 0).Err(); err != nil {
			p.stats.incLiveErrors()
			p.logger.Debug("Failed to update latest reading key", zap.String("key", key), zap.Error(err))
		}
	}

	p.logger.Debug("Published reading to Redis Streams",
		zap.String("device_id", r.DeviceID),
		zap.String("stream", p.stream),
		zap.String("stream_id", streamID),
	)
}
