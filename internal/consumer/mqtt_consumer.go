package consumer

import (
	"context"
	"fmt"
	"time"

	"wisefido-ingest/internal/config"
	"wisefido-ingest/internal/decoder"
	"wisefido-ingest/internal/models"
	mqttcommon "wisefido-ingest/internal/mqtt"
	"wisefido-ingest/internal/pipeline"
	"wisefido-ingest/internal/router"

	"go.uber.org/zap"
)

// MQTTConsumer MQTT消息消费者
// 传输层投递 -> 路由 -> 解码 -> 管道提交
// 本层全程非阻塞，持久化耗时由管道的设备队列解耦，不占用投递线程
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqttcommon.Client
	router     *router.Router
	decoder    *decoder.Decoder
	pipeline   *pipeline.Pipeline
	metrics    *pipeline.Metrics
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqttcommon.Client,
	rt *router.Router,
	dec *decoder.Decoder,
	pl *pipeline.Pipeline,
	metrics *pipeline.Metrics,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		router:     rt,
		decoder:    dec,
		pipeline:   pl,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start 启动消费者
// 注册通配符路由并订阅命名空间下所有设备的状态主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	pattern := c.config.Ingest.TopicPattern
	if pattern == "" {
		return fmt.Errorf("ingest topic pattern not configured")
	}

	if err := c.router.Register(pattern, c.handleReading); err != nil {
		return fmt.Errorf("failed to register route: %w", err)
	}

	if err := c.mqttClient.Subscribe(pattern, c.config.MQTT.QoS, c.onMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", pattern),
		zap.String("namespace", c.config.Ingest.Namespace),
	)

	<-ctx.Done()
	return nil
}

// Stop 停止消费者，先停进新消息
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	pattern := c.config.Ingest.TopicPattern
	if pattern != "" {
		if err := c.mqttClient.Unsubscribe(pattern); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// onMessage 传输层投递回调
// 只做打包与路由分发，重活都在设备队列之后
func (c *MQTTConsumer) onMessage(topic string, payload []byte) {
	c.metrics.IncrementReceived()

	raw := &models.RawMessage{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	c.router.Dispatch(raw)
}

// handleReading 已命中路由的消息：解码并提交管道
// 解码失败计数并进死信，绝不让错误传出本层
func (c *MQTTConsumer) handleReading(raw *models.RawMessage, deviceID string) {
	reading, failure := c.decoder.Decode(raw, deviceID)
	if failure != nil {
		c.metrics.IncrementDecodeFailure(failure.Reason)
		c.logger.Warn("Failed to decode sensor payload",
			zap.String("topic", raw.Topic),
			zap.String("reason", string(failure.Reason)),
			zap.String("field", failure.Field),
			zap.Int("payload_size", len(raw.Payload)),
		)
		c.pipeline.SubmitFailure(failure)
		return
	}

	c.metrics.IncrementDecoded()
	if reading.TopicMismatch {
		c.metrics.IncrementTopicMismatch()
	}
	if !reading.VitalsValid() {
		c.logger.Warn("Vital signs out of range, storing with validity flag",
			zap.String("device_id", reading.DeviceID),
			zap.Float64("heart_rate", reading.HeartRate),
			zap.Float64("breath_rate", reading.BreathRate),
		)
	}

	c.pipeline.Submit(reading)
}
