package sink

import (
	"context"
	"sync"

	"wisefido-ingest/internal/models"
)

// Sink 追加式持久化接口
// Append 返回即视为落盘；相同 (device_id, received_at) 的重复调用不产生重复可见行
type Sink interface {
	Append(ctx context.Context, r *models.SensorReading) error
	Close() error
}

// Stats 持久化层监控指标
type Stats struct {
	mu sync.Mutex

	Appended         int64 // 成功写入的记录数
	Deduplicated     int64 // 幂等去重跳过的记录数
	Retries          int64 // 重试次数
	DeadLettered     int64 // 写入死信通道的记录数
	DeadLetterErrors int64 // 死信写入自身的失败数
	LiveErrors       int64 // 实时流发布失败数（尽力而为，不重试）
}

// Snapshot 获取指标快照（线程安全）
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Appended:         s.Appended,
		Deduplicated:     s.Deduplicated,
		Retries:          s.Retries,
		DeadLettered:     s.DeadLettered,
		DeadLetterErrors: s.DeadLetterErrors,
		LiveErrors:       s.LiveErrors,
	}
}

func (s *Stats) incAppended() {
	s.mu.Lock()
	s.Appended++
	s.mu.Unlock()
}

func (s *Stats) incDeduplicated() {
	s.mu.Lock()
	s.Deduplicated++
	s.mu.Unlock()
}

func (s *Stats) incRetries() {
	s.mu.Lock()
	s.Retries++
	s.mu.Unlock()
}

func (s *Stats) incDeadLettered() {
	s.mu.Lock()
	s.DeadLettered++
	s.mu.Unlock()
}

func (s *Stats) incDeadLetterErrors() {
	s.mu.Lock()
	s.DeadLetterErrors++
	s.mu.Unlock()
}

func (s *Stats) incLiveErrors() {
	s.mu.Lock()
	s.LiveErrors++
	s.mu.Unlock()
}
