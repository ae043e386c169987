package sink

import (
	"context"
	"fmt"
	"time"

	"wisefido-ingest/internal/models"

	"go.uber.org/zap"
)

// RetrySink 带重试与死信路由的持久化包装
// 瞬时错误按指数退避重试；超过次数上限后整条记录进死信通道，摄取继续
type RetrySink struct {
	inner      Sink
	deadLetter *DeadLetter
	stats      *Stats
	logger     *zap.Logger

	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
}

// NewRetrySink 创建重试包装
func NewRetrySink(inner Sink, deadLetter *DeadLetter, maxAttempts int, backoff, backoffMax time.Duration, stats *Stats, logger *zap.Logger) *RetrySink {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetrySink{
		inner:       inner,
		deadLetter:  deadLetter,
		stats:       stats,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		backoffMax:  backoffMax,
	}
}

// Append 写入单条读数
// 返回非 nil 仅表示记录最终进入了死信通道（或死信写入也失败），调用方不再重试
func (s *RetrySink) Append(ctx context.Context, r *models.SensorReading) error {
	var lastErr error
	backoff := s.backoff

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.inner.Append(ctx, r); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == s.maxAttempts {
			break
		}
		s.stats.incRetries()
		s.logger.Warn("Persist attempt failed, retrying",
			zap.String("device_id", r.DeviceID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = s.maxAttempts
		case <-time.After(backoff):
		}

		// 指数退避，封顶
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}

	if err := s.deadLetter.WriteReading(r, lastErr); err != nil {
		s.logger.Error("Failed to dead-letter reading after exhausting retries",
			zap.String("device_id", r.DeviceID),
			zap.Error(err),
		)
		return fmt.Errorf("persist exhausted and dead letter failed: %w", err)
	}
	return fmt.Errorf("persist exhausted after %d attempts: %w", s.maxAttempts, lastErr)
}

// Close 关闭内层持久化
func (s *RetrySink) Close() error {
	return s.inner.Close()
}
