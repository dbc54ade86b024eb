package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnavailable is returned synchronously when no native bridge connection
// is up. Callers must treat this as a non-retryable precondition failure, not
// a transient transport error.
var ErrUnavailable = errors.New("bridge: native bridge unavailable")

// PushHandler receives the raw data of an unsolicited native push.
type PushHandler func(data json.RawMessage)

// frame is the wire shape exchanged with the native host. Outbound frames
// carry Command/CallID/Payload; inbound frames carry either CallID/Data (a
// command callback) or Event/Data (an unsolicited push).
type frame struct {
	Command string          `json:"command,omitempty"`
	Event   string          `json:"event,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Bridge is the request/response adapter over the native WebView bridge.
//
// Each Call issues a named command and waits for exactly one asynchronous
// callback, matched by call ID. Unsolicited pushes (QR results, BLE
// connection events, MQTT message arrivals) are delivered to handlers
// registered with OnPush. Run must be looping for any callbacks or pushes to
// be delivered.
type Bridge struct {
	conn   Conn
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	handlers map[string]PushHandler
}

// New wraps the given connection. A nil conn models an absent native bridge:
// every Call fails immediately with ErrUnavailable.
func New(conn Conn) *Bridge {
	return &Bridge{
		conn:     conn,
		logger:   slog.Default().With("component", "bridge"),
		pending:  make(map[string]chan json.RawMessage),
		handlers: make(map[string]PushHandler),
	}
}

// Call issues a named command with the given payload and waits for its
// callback or context expiry.
func (b *Bridge) Call(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	if b.conn == nil {
		return nil, ErrUnavailable
	}

	callID := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	b.mu.Lock()
	b.pending[callID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	raw, err := json.Marshal(frame{Command: command, CallID: callID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", command, err)
	}
	if err := b.conn.Send(raw); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", command, ctx.Err())
	case data := <-ch:
		return data, nil
	}
}

// OnPush registers the handler for a named push event. Exactly one handler may
// exist per event; re-registration is a no-op so a handler is never invoked
// twice for one delivery.
func (b *Bridge) OnPush(event string, handler PushHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[event]; exists {
		b.logger.Debug("push handler already registered", "event", event)
		return
	}
	b.handlers[event] = handler
}

// Run dispatches inbound frames until the context is cancelled or the
// connection closes. Dispatch is single-threaded: callbacks and pushes are
// delivered one at a time, in arrival order.
func (b *Bridge) Run(ctx context.Context) error {
	if b.conn == nil {
		return ErrUnavailable
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-b.conn.Frames():
			if !ok {
				return errors.New("bridge: connection closed")
			}
			b.dispatch(raw)
		}
	}
}

func (b *Bridge) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.logger.Warn("discarding malformed frame", "error", err)
		return
	}

	if f.CallID != "" {
		b.mu.Lock()
		ch, ok := b.pending[f.CallID]
		b.mu.Unlock()
		if !ok {
			// callback for a call that already timed out
			b.logger.Debug("discarding stale callback", "call_id", f.CallID)
			return
		}
		ch <- f.Data
		return
	}

	if f.Event != "" {
		b.mu.Lock()
		handler, ok := b.handlers[f.Event]
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("no handler for push event", "event", f.Event)
			return
		}
		handler(f.Data)
		return
	}

	b.logger.Warn("discarding frame with neither callId nor event")
}
