package pipeline

import (
	"sync"
	"time"

	"wisefido-ingest/internal/models"
)

// Metrics 摄取链路监控指标
type Metrics struct {
	mu sync.RWMutex

	// 消息处理统计
	MessagesReceived  int64 // 传输层投递的消息总数
	ReadingsDecoded   int64 // 成功解码的读数
	ReadingsDropped   int64 // 背压丢弃（丢最旧策略）的读数
	ReadingsPersisted int64 // 成功持久化的读数
	ReadingsAbandoned int64 // 关闭宽限期超时放弃的读数（数据丢失事件）

	// 解码失败分类统计
	FailMalformedJSON     int64
	FailMissingField      int64
	FailTypeMismatch      int64
	FailUnknownStatusCode int64

	// 身份核对
	TopicMismatches int64 // 主题设备号与负载 Device 不一致的读数

	// 启动时间
	StartTime time.Time
}

// NewMetrics 创建指标
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// Snapshot 获取指标快照（线程安全）
func (m *Metrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesReceived:      m.MessagesReceived,
		ReadingsDecoded:       m.ReadingsDecoded,
		ReadingsDropped:       m.ReadingsDropped,
		ReadingsPersisted:     m.ReadingsPersisted,
		ReadingsAbandoned:     m.ReadingsAbandoned,
		FailMalformedJSON:     m.FailMalformedJSON,
		FailMissingField:      m.FailMissingField,
		FailTypeMismatch:      m.FailTypeMismatch,
		FailUnknownStatusCode: m.FailUnknownStatusCode,
		TopicMismatches:       m.TopicMismatches,
		StartTime:             m.StartTime,
	}
}

// Uptime 自启动以来的运行时长
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.StartTime)
}

// IncrementReceived 增加接收计数
func (m *Metrics) IncrementReceived() {
	m.mu.Lock()
	m.MessagesReceived++
	m.mu.Unlock()
}

// IncrementDecoded 增加解码成功计数
func (m *Metrics) IncrementDecoded() {
	m.mu.Lock()
	m.ReadingsDecoded++
	m.mu.Unlock()
}

// IncrementDropped 增加背压丢弃计数
func (m *Metrics) IncrementDropped() {
	m.mu.Lock()
	m.ReadingsDropped++
	m.mu.Unlock()
}

// IncrementPersisted 增加持久化成功计数
func (m *Metrics) IncrementPersisted() {
	m.mu.Lock()
	m.ReadingsPersisted++
	m.mu.Unlock()
}

// AddAbandoned 累加关闭时放弃的读数
func (m *Metrics) AddAbandoned(n int64) {
	m.mu.Lock()
	m.ReadingsAbandoned += n
	m.mu.Unlock()
}

// IncrementDecodeFailure 按原因增加解码失败计数
func (m *Metrics) IncrementDecodeFailure(reason models.DecodeReason) {
	m.mu.Lock()
	switch reason {
	case models.ReasonMalformedJSON:
		m.FailMalformedJSON++
	case models.ReasonMissingField:
		m.FailMissingField++
	case models.ReasonTypeMismatch:
		m.FailTypeMismatch++
	case models.ReasonUnknownStatusCode:
		m.FailUnknownStatusCode++
	}
	m.mu.Unlock()
}

// IncrementTopicMismatch 增加身份不一致计数
func (m *Metrics) IncrementTopicMismatch() {
	m.mu.Lock()
	m.TopicMismatches++
	m.mu.Unlock()
}
