package mqttlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uxi-energy/attendantd/bridge"
)

// Handshake retry backoff bounds for EnsureConnected.
const (
	connectRetryInitial = 2 * time.Second
	connectRetryMax     = 30 * time.Second
)

// BridgeTransport is a Transport that rides the native MQTT stack: subscribe
// and publish go out as bridge commands, inbound messages arrive as push
// events and are routed to the per-topic handler.
type BridgeTransport struct {
	bridge *bridge.Bridge
	logger *slog.Logger

	// connectAcks receives the outcome of asynchronous connectMqttCallBack
	// pushes, which some native builds send instead of (or long after) the
	// connectMqtt command response.
	connectAcks chan bool

	mu       sync.Mutex
	handlers map[string]func(topic string, payload []byte)
}

func NewBridgeTransport(b *bridge.Bridge) *BridgeTransport {
	t := &BridgeTransport{
		bridge:      b,
		logger:      slog.Default().With("component", "mqtt-bridge"),
		connectAcks: make(chan bool, 1),
		handlers:    make(map[string]func(topic string, payload []byte)),
	}
	b.OnPush(bridge.PushMqttMessage, t.onMessage)
	b.OnPush(bridge.PushMqttConnect, t.onConnectPush)
	return t
}

// Connect asks the native layer to open its broker connection.
func (t *BridgeTransport) Connect(ctx context.Context, cfg bridge.MqttConfig) error {
	resp, err := t.bridge.ConnectMqtt(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	var status struct {
		RespCode  int    `json:"respCode"`
		RespDesc  string `json:"respDesc"`
		Connected bool   `json:"connected"`
	}
	raw, _ := json.Marshal(resp)
	if err := bridge.DecodeInto(raw, &status); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	// some native builds report only a respCode, others only a connected flag
	if status.RespCode != 0 && status.RespCode != 200 {
		return fmt.Errorf("connect mqtt: respCode %d %s", status.RespCode, status.RespDesc)
	}
	if status.RespCode == 0 && !status.Connected {
		return fmt.Errorf("connect mqtt: native layer reports not connected")
	}
	return nil
}

// EnsureConnected retries the native MQTT handshake with backoff until the
// native layer acknowledges the connection, either in the connectMqtt command
// response or on a later connectMqttCallBack push. It returns when connected
// or when ctx is cancelled, so a kiosk that boots before the native MQTT
// stack still ends up handshaken.
func (t *BridgeTransport) EnsureConnected(ctx context.Context, cfg bridge.MqttConfig) error {
	delay := connectRetryInitial
	for {
		// drop any ack left over from an earlier attempt
		select {
		case <-t.connectAcks:
		default:
		}

		err := t.Connect(ctx, cfg)
		if err == nil {
			t.logger.Info("native mqtt stack connected")
			return nil
		}
		t.logger.Warn("native mqtt connect failed, retrying", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ok := <-t.connectAcks:
			if ok {
				t.logger.Info("native mqtt stack connected", "via", "push")
				return nil
			}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > connectRetryMax {
			delay = connectRetryMax
		}
	}
}

// onConnectPush handles the asynchronous connection outcome push.
func (t *BridgeTransport) onConnectPush(data json.RawMessage) {
	var status struct {
		RespCode  int    `json:"respCode"`
		RespDesc  string `json:"respDesc"`
		Connected bool   `json:"connected"`
	}
	if err := bridge.DecodeInto(data, &status); err != nil {
		t.logger.Warn("discarding unparseable mqtt connect push", "error", err)
		return
	}
	ok := status.RespCode == 200 || (status.RespCode == 0 && status.Connected)
	if !ok {
		t.logger.Warn("native mqtt connect push reports failure",
			"respCode", status.RespCode, "respDesc", status.RespDesc)
	}
	select {
	case t.connectAcks <- ok:
	default:
	}
}

// Subscribe returns once the native layer has acknowledged the subscription,
// so publishing a request immediately afterwards cannot race its response.
func (t *BridgeTransport) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	if err := t.bridge.MqttSubTopic(ctx, topic, qos); err != nil {
		return err
	}
	t.mu.Lock()
	t.handlers[topic] = handler
	t.mu.Unlock()
	return nil
}

// Unsubscribe drops the local route. The native layer keeps the broker
// subscription open; messages without a handler are discarded.
func (t *BridgeTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	delete(t.handlers, topic)
	t.mu.Unlock()
	return nil
}

func (t *BridgeTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return t.bridge.MqttPublishMsg(ctx, topic, qos, string(payload))
}

func (t *BridgeTransport) onMessage(data json.RawMessage) {
	var msg struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	}
	if err := bridge.DecodeInto(data, &msg); err != nil {
		t.logger.Warn("discarding unparseable mqtt push", "error", err)
		return
	}
	t.mu.Lock()
	handler := t.handlers[msg.Topic]
	t.mu.Unlock()
	if handler == nil {
		t.logger.Debug("no handler for topic", "topic", msg.Topic)
		return
	}
	handler(msg.Topic, []byte(msg.Message))
}
