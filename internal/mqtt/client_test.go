package mqtt

import (
	"errors"
	"fmt"
	"testing"

	"wisefido-ingest/internal/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectionState_String(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateShuttingDown: "SHUTTING_DOWN",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}

func TestClassifyConnectError(t *testing.T) {
	cases := []struct {
		err    error
		reason ConnectReason
	}{
		{errors.New("bad user name or password"), ConnectReasonAuth},
		{errors.New("not Authorized"), ConnectReasonAuth},
		{errors.New("unacceptable protocol version"), ConnectReasonProtocol},
		{errors.New("identifier rejected"), ConnectReasonProtocol},
		{errors.New("dial tcp 127.0.0.1:1883: connect: connection refused"), ConnectReasonNetwork},
		{errors.New("network error"), ConnectReasonNetwork},
	}
	for _, c := range cases {
		ce := classifyConnectError(c.err)
		require.Equal(t, c.reason, ce.Reason, c.err.Error())
		require.ErrorIs(t, ce, c.err)
	}
}

func TestResubscribeAll_RestoresEverySubscription(t *testing.T) {
	subs := []subscription{
		{topic: "/sensori/+/current_sta", qos: 1},
		{topic: "/radar/+/data", qos: 0},
	}

	var issued []string
	restored := resubscribeAll(subs, func(topic string, qos byte, _ MessageHandler) error {
		issued = append(issued, fmt.Sprintf("%s@%d", topic, qos))
		return nil
	}, zap.NewNop())

	// 重连后全部订阅按注册顺序补发
	require.Equal(t, []string{"/sensori/+/current_sta@1", "/radar/+/data@0"}, issued)
	require.Equal(t, []string{"/sensori/+/current_sta", "/radar/+/data"}, restored)
}

func TestHandleConnected_ResubscribesBeforeAnnouncingConnected(t *testing.T) {
	var issued []string
	var issuedAtConnected []string

	c := &Client{
		cfg:    &config.MQTTConfig{Broker: "tcp://broker.test:1883"},
		logger: zap.NewNop(),
		state:  StateReconnecting,
		subs: []subscription{
			{topic: "/sensori/+/current_sta", qos: 1},
			{topic: "/radar/+/data", qos: 0},
		},
	}
	c.listener = func(_, next ConnectionState) {
		if next == StateConnected {
			issuedAtConnected = append([]string(nil), issued...)
		}
	}

	c.handleConnected(func(topic string, _ byte, _ MessageHandler) error {
		issued = append(issued, topic)
		return nil
	})

	require.Equal(t, StateConnected, c.State())
	// 宣告 CONNECTED 时全部订阅已经补发完毕，首条投递的消息必然有处理函数
	require.Equal(t, []string{"/sensori/+/current_sta", "/radar/+/data"}, issuedAtConnected)
}

func TestResubscribeAll_SingleFailureDoesNotBlockOthers(t *testing.T) {
	subs := []subscription{
		{topic: "/sensori/+/current_sta", qos: 1},
		{topic: "/radar/+/data", qos: 1},
	}

	restored := resubscribeAll(subs, func(topic string, _ byte, _ MessageHandler) error {
		if topic == "/sensori/+/current_sta" {
			return errors.New("broker rejected subscription")
		}
		return nil
	}, zap.NewNop())

	require.Equal(t, []string{"/radar/+/data"}, restored)
}
