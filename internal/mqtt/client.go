package mqtt

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"wisefido-ingest/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ConnectionState 连接状态机状态
// 由传输层生命周期事件驱动，进程内唯一，其他组件只读
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
)

// String 状态名
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// ConnectReason 连接失败原因分类
type ConnectReason string

const (
	ConnectReasonNetwork  ConnectReason = "NETWORK"
	ConnectReasonAuth     ConnectReason = "AUTH"
	ConnectReasonProtocol ConnectReason = "PROTOCOL"
)

// ConnectError 连接建立失败
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt connect failed (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// classifyConnectError 将代理返回的连接错误归类
func classifyConnectError(err error) *ConnectError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bad user name or password"),
		strings.Contains(msg, "not authorized"):
		return &ConnectError{Reason: ConnectReasonAuth, Err: err}
	case strings.Contains(msg, "protocol violation"),
		strings.Contains(msg, "unacceptable protocol version"),
		strings.Contains(msg, "identifier rejected"):
		return &ConnectError{Reason: ConnectReasonProtocol, Err: err}
	default:
		return &ConnectError{Reason: ConnectReasonNetwork, Err: err}
	}
}

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte)

// StateListener 连接状态变更回调
type StateListener func(old, next ConnectionState)

// subscription 已注册的订阅，重连成功后原样重发
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 维护唯一一条代理连接；断线后有界指数退避自动重连，
// 重连成功先补发全部订阅，再对外宣告 CONNECTED
type Client struct {
	client   mqtt.Client
	cfg      *config.MQTTConfig
	logger   *zap.Logger
	listener StateListener

	mu    sync.Mutex
	state ConnectionState
	subs  []subscription
}

// NewClient 创建并连接MQTT客户端
// 连接失败返回分类后的 ConnectError；上层按退避策略决定是否重试
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger, listener StateListener) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		listener: listener,
		state:    StateDisconnected,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetConnectRetry(true)
	// 基础间隔加抖动，避免大量实例同时重连冲击代理
	jitter := time.Duration(rand.Int63n(int64(cfg.ConnectRetryInterval)/2 + 1))
	opts.SetConnectRetryInterval(cfg.ConnectRetryInterval + jitter)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.handleConnected(c.brokerSubscribe)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		shuttingDown := c.state == StateShuttingDown
		c.mu.Unlock()
		if shuttingDown {
			return
		}
		c.logger.Warn("MQTT connection lost, reconnecting with backoff", zap.Error(err))
		c.setState(StateReconnecting)
	})

	c.client = mqtt.NewClient(opts)

	c.setState(StateConnecting)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		c.setState(StateDisconnected)
		return nil, classifyConnectError(token.Error())
	}

	return c, nil
}

// Subscribe 订阅主题过滤器
// 订阅被记录下来，之后每次重连都会重发
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos, handler: handler})
	c.mu.Unlock()

	if err := c.brokerSubscribe(topic, qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅并从重发清单移除
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		remove := false
		for _, t := range topics {
			if s.topic == t {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// brokerSubscribe 向代理发起一次订阅
func (c *Client) brokerSubscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// handleConnected 连接建立入口
// 先补发全部已注册订阅，再宣告 CONNECTED：状态翻转前代理侧订阅已恢复，
// 重连后送达的第一条消息必然有处理函数接住
func (c *Client) handleConnected(subscribe func(topic string, qos byte, handler MessageHandler) error) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	restored := resubscribeAll(subs, subscribe, c.logger)
	c.setState(StateConnected)
	c.logger.Info("MQTT connected, subscriptions restored",
		zap.String("broker", c.cfg.Broker),
		zap.Strings("topics", restored),
	)
}

// resubscribeAll 逐个重发订阅；单个失败不阻止其余订阅恢复
func resubscribeAll(subs []subscription, subscribe func(topic string, qos byte, handler MessageHandler) error, logger *zap.Logger) []string {
	restored := make([]string, 0, len(subs))
	for _, s := range subs {
		if err := subscribe(s.topic, s.qos, s.handler); err != nil {
			logger.Error("Failed to restore subscription after reconnect",
				zap.String("topic", s.topic),
				zap.Error(err),
			)
			continue
		}
		restored = append(restored, s.topic)
	}
	return restored
}

// Disconnect 主动断开连接
func (c *Client) Disconnect() {
	c.setState(StateShuttingDown)
	c.client.Disconnect(250)
	c.setState(StateDisconnected)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// State 当前连接状态
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(next ConnectionState) {
	c.mu.Lock()
	old := c.state
	c.state = next
	c.mu.Unlock()

	if old == next {
		return
	}
	c.logger.Info("MQTT connection state changed",
		zap.String("from", old.String()),
		zap.String("to", next.String()),
	)
	if c.listener != nil {
		c.listener(old, next)
	}
}
