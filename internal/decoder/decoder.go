package decoder

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"wisefido-ingest/internal/models"

	"go.uber.org/zap"
)

// 生命体征合理范围：越界值打标保留，供下游诊断使用
const (
	MaxHeartRate  = 300.0 // 次/分
	MaxBreathRate = 120.0 // 次/分
)

// Decoder 负载解码器
// 逐字段校验，产出 SensorReading 或分类后的 DecodeFailure
// 任何输入字节序列都不会让错误越过此边界
type Decoder struct {
	logger *zap.Logger
}

// New 创建负载解码器
func New(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode 解码原始消息
// topicDeviceID 为路由器从主题通配符捕获的设备号，用于与负载 Device 字段交叉核对
// 不一致时以负载字段为准并打标（主题用于传输层分发，负载是身份的权威来源）
func (d *Decoder) Decode(raw *models.RawMessage, topicDeviceID string) (*models.SensorReading, *models.DecodeFailure) {
	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	fail := func(reason models.DecodeReason, field string) (*models.SensorReading, *models.DecodeFailure) {
		return nil, &models.DecodeFailure{
			SourceTopic: raw.Topic,
			Payload:     raw.Payload,
			Reason:      reason,
			Field:       field,
			ReceivedAt:  receivedAt,
		}
	}

	// 1. 解析为通用结构，语法错误归类为 MALFORMED_JSON
	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return fail(models.ReasonMalformedJSON, "")
	}

	// 2. 必需字段逐个校验：缺失 -> MISSING_FIELD，类型不符 -> TYPE_MISMATCH
	device, failure := requireString(doc, "Device", raw, receivedAt)
	if failure != nil {
		return nil, failure
	}
	statusCode, failure := requireInt(doc, "Status", raw, receivedAt)
	if failure != nil {
		return nil, failure
	}
	heartRate, failure := requireNumber(doc, "HR", raw, receivedAt)
	if failure != nil {
		return nil, failure
	}
	breathRate, failure := requireNumber(doc, "BR", raw, receivedAt)
	if failure != nil {
		return nil, failure
	}

	// 3. 状态码映射，0/1/2 之外不做静默兜底
	status, ok := models.ParseStatus(statusCode)
	if !ok {
		return fail(models.ReasonUnknownStatusCode, "Status")
	}

	// 4. 主题与负载的设备号交叉核对
	mismatch := topicDeviceID != "" && topicDeviceID != device
	if mismatch {
		d.logger.Warn("Topic device id does not match payload Device field, preferring payload",
			zap.String("topic", raw.Topic),
			zap.String("topic_device_id", topicDeviceID),
			zap.String("payload_device", device),
		)
	}

	return &models.SensorReading{
		DeviceID:      device,
		Status:        status,
		HeartRate:     heartRate,
		BreathRate:    breathRate,
		HRValid:       heartRate >= 0 && heartRate <= MaxHeartRate,
		BRValid:       breathRate >= 0 && breathRate <= MaxBreathRate,
		ReceivedAt:    receivedAt,
		SourceTopic:   raw.Topic,
		RawPayload:    raw.Payload,
		TopicMismatch: mismatch,
	}, nil
}

func newFailure(raw *models.RawMessage, receivedAt time.Time, reason models.DecodeReason, field string) *models.DecodeFailure {
	return &models.DecodeFailure{
		SourceTopic: raw.Topic,
		Payload:     raw.Payload,
		Reason:      reason,
		Field:       field,
		ReceivedAt:  receivedAt,
	}
}

func requireString(doc map[string]interface{}, field string, raw *models.RawMessage, receivedAt time.Time) (string, *models.DecodeFailure) {
	v, ok := doc[field]
	if !ok {
		return "", newFailure(raw, receivedAt, models.ReasonMissingField, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", newFailure(raw, receivedAt, models.ReasonTypeMismatch, field)
	}
	if s == "" {
		// 空设备号等同缺失，持久化要求 device_id 非空
		return "", newFailure(raw, receivedAt, models.ReasonMissingField, field)
	}
	return s, nil
}

func requireInt(doc map[string]interface{}, field string, raw *models.RawMessage, receivedAt time.Time) (int64, *models.DecodeFailure) {
	v, ok := doc[field]
	if !ok {
		return 0, newFailure(raw, receivedAt, models.ReasonMissingField, field)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, newFailure(raw, receivedAt, models.ReasonTypeMismatch, field)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	// 允许 2.0 这类整数值浮点写法，小数部分非零才算类型不符
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, newFailure(raw, receivedAt, models.ReasonTypeMismatch, field)
	}
	return int64(f), nil
}

func requireNumber(doc map[string]interface{}, field string, raw *models.RawMessage, receivedAt time.Time) (float64, *models.DecodeFailure) {
	v, ok := doc[field]
	if !ok {
		return 0, newFailure(raw, receivedAt, models.ReasonMissingField, field)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, newFailure(raw, receivedAt, models.ReasonTypeMismatch, field)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, newFailure(raw, receivedAt, models.ReasonTypeMismatch, field)
	}
	return f, nil
}
