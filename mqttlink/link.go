package mqttlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/uxi-energy/attendantd/bridge"
)

// DefaultTimeout bounds one request/response round-trip.
const DefaultTimeout = 30 * time.Second

// ErrTimeout means no matching response arrived in time. The server-side
// effect may still have happened (delivery is at-least-once): callers must
// tolerate a later duplicate success, which is why idempotent markers exist.
var ErrTimeout = errors.New("mqttlink: no response before timeout")

// Transport is the underlying MQTT pub/sub. Subscribe must return only after
// the broker (or native stack) has acknowledged the subscription, so that a
// response can never arrive before the subscription exists.
type Transport interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// pendingRequest tracks one in-flight round-trip. It exists only between
// publish and match/timeout; the resolved guard makes resolution
// at-most-once under duplicate deliveries.
type pendingRequest struct {
	correlationID string
	outcomes      chan Outcome
	resolved      atomic.Bool
}

// Link publishes commands and correlates their responses by correlation ID.
type Link struct {
	transport Transport
	qos       byte
	logger    *slog.Logger
}

func New(transport Transport, qos byte) *Link {
	return &Link{
		transport: transport,
		qos:       qos,
		logger:    slog.Default().With("component", "mqttlink"),
	}
}

// PublishAndAwait subscribes to responseTopic, publishes the payload (with
// the correlation ID injected) to requestTopic, and waits for the first
// response whose correlation ID matches. Non-matching responses are
// discarded. A zero timeout means DefaultTimeout.
func (l *Link) PublishAndAwait(ctx context.Context, requestTopic, responseTopic string, payload map[string]any, correlationID string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	pending := &pendingRequest{
		correlationID: correlationID,
		outcomes:      make(chan Outcome, 1),
	}

	handler := func(topic string, raw []byte) {
		m, err := bridge.Decode(raw)
		if err != nil {
			l.logger.Warn("discarding undecodable response", "topic", topic, "error", err)
			return
		}
		respID := extractCorrelationID(m)
		if !correlationMatches(correlationID, respID) {
			l.logger.Debug("discarding response for other correlation id",
				"ours", correlationID, "theirs", respID)
			return
		}
		if !pending.resolved.CompareAndSwap(false, true) {
			// duplicate delivery of an already-processed response
			return
		}
		pending.outcomes <- l.classifyLogged(m)
	}

	if err := l.transport.Subscribe(ctx, responseTopic, l.qos, handler); err != nil {
		return Outcome{}, fmt.Errorf("subscribe %s: %w", responseTopic, err)
	}
	defer l.transport.Unsubscribe(responseTopic)

	// the subscription is acknowledged: now it is safe to publish
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["correlation_id"] = correlationID

	raw, err := json.Marshal(body)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal request: %w", err)
	}
	if err := l.transport.Publish(ctx, requestTopic, l.qos, raw); err != nil {
		return Outcome{}, fmt.Errorf("publish %s: %w", requestTopic, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-timer.C:
		return Outcome{}, fmt.Errorf("%w after %s (correlation %s)", ErrTimeout, timeout, correlationID)
	case outcome := <-pending.outcomes:
		return outcome, nil
	}
}

func (l *Link) classifyLogged(m map[string]any) Outcome {
	outcome := Classify(m)
	if outcome.Status == StatusSuccess && outcome.Signal == "" {
		// compatibility fallback for older backends that send a bare success
		// flag with no signals at all
		l.logger.Warn("response carried no signals, accepting bare success flag")
	}
	return outcome
}

// correlationMatches applies the matching rule: exact equality, or either ID
// being a prefix of the other (the backend may truncate).
func correlationMatches(ours, theirs string) bool {
	if ours == "" || theirs == "" {
		return false
	}
	return ours == theirs || strings.HasPrefix(ours, theirs) || strings.HasPrefix(theirs, ours)
}

// extractCorrelationID looks for the ID at the top level and then one level
// down in the data envelope.
func extractCorrelationID(m map[string]any) string {
	if id, ok := m["correlation_id"].(string); ok {
		return id
	}
	if data, ok := m["data"].(map[string]any); ok {
		if id, ok := data["correlation_id"].(string); ok {
			return id
		}
	}
	return ""
}
