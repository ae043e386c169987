package models

import (
	"fmt"
	"time"
)

// Status 在床状态（设备 Status 字段 0/1/2）
type Status int

const (
	StatusAbsent        Status = 0 // 离床
	StatusPresentStill  Status = 1 // 在床静止
	StatusPresentMotion Status = 2 // 在床体动
)

// ParseStatus 将设备上报的整数状态码映射为 Status
// 0/1/2 之外的任何值都视为解码失败，不做静默兜底
func ParseStatus(code int64) (Status, bool) {
	switch code {
	case 0:
		return StatusAbsent, true
	case 1:
		return StatusPresentStill, true
	case 2:
		return StatusPresentMotion, true
	default:
		return 0, false
	}
}

// String 持久化/日志用的状态名
func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "ABSENT"
	case StatusPresentStill:
		return "PRESENT_STILL"
	case StatusPresentMotion:
		return "PRESENT_MOTION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// RawMessage 传输层投递的原始消息
// 仅存在于投递与解码之间，解码后即被丢弃
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// SensorReading 解码并校验后的传感器读数
type SensorReading struct {
	DeviceID   string  // 设备标识（负载 Device 字段为准）
	Status     Status  // 在床状态
	HeartRate  float64 // 心率（次/分）
	BreathRate float64 // 呼吸率（次/分）

	// 生命体征有效性标记：越界值打标保留，不丢弃
	HRValid bool
	BRValid bool

	ReceivedAt  time.Time // 摄取侧接收时间（不信任设备时钟）
	SourceTopic string    // 完整来源主题，用于审计
	RawPayload  []byte    // 原始负载，用于审计/诊断

	// 主题捕获的设备号与负载 Device 字段不一致
	TopicMismatch bool
}

// VitalsValid 生命体征是否全部在合理范围内
func (r *SensorReading) VitalsValid() bool {
	return r.HRValid && r.BRValid
}

// DedupKey 去重键 (device_id, received_at)
func (r *SensorReading) DedupKey() string {
	return r.DeviceID + "|" + r.ReceivedAt.UTC().Format(time.RFC3339Nano)
}

// DecodeReason 解码失败原因
type DecodeReason string

const (
	ReasonMalformedJSON     DecodeReason = "MALFORMED_JSON"
	ReasonMissingField      DecodeReason = "MISSING_FIELD"
	ReasonTypeMismatch      DecodeReason = "TYPE_MISMATCH"
	ReasonUnknownStatusCode DecodeReason = "UNKNOWN_STATUS_CODE"
)

// DecodeFailure 解码失败记录
// 绝不静默丢弃：计数后写入死信通道
type DecodeFailure struct {
	SourceTopic string
	Payload     []byte // 原始负载，留作取证
	Reason      DecodeReason
	Field       string // 触发失败的字段（可为空）
	ReceivedAt  time.Time
}
