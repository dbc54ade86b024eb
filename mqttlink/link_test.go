package mqttlink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records publishes and lets the test inject responses through
// the registered handlers.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]func(topic string, payload []byte)
	order    []string // "subscribe" / "publish" events in call order

	published [][]byte
	onPublish func(topic string, payload []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(topic string, payload []byte))}
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, _ byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	f.handlers[topic] = handler
	f.order = append(f.order, "subscribe "+topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	delete(f.handlers, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, payload)
	f.order = append(f.order, "publish "+topic)
	onPublish := f.onPublish
	f.mu.Unlock()
	if onPublish != nil {
		go onPublish(topic, payload)
	}
	return nil
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func TestPublishAndAwait_ResolvesMatchingResponse(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		transport.deliver("echo/abs/attendant/plan/SUB-1/payment_and_service",
			[]byte(`{"correlation_id": "corr-123", "success": true, "signals": ["service_completed"]}`))
	}
	link := New(transport, 1)

	request, response := PaymentAndServiceTopics("SUB-1")
	outcome, err := link.PublishAndAwait(context.Background(), request, response,
		map[string]any{"plan_id": "PLAN-9"}, "corr-123", time.Second)

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, "service_completed", outcome.Signal)
}

func TestPublishAndAwait_SubscribesBeforePublishing(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		transport.deliver("resp", []byte(`{"correlation_id": "c", "success": true}`))
	}
	link := New(transport, 1)

	_, err := link.PublishAndAwait(context.Background(), "req", "resp", map[string]any{}, "c", time.Second)

	require.NoError(t, err)
	require.Len(t, transport.order, 2)
	assert.Equal(t, "subscribe resp", transport.order[0])
	assert.Equal(t, "publish req", transport.order[1])
}

func TestPublishAndAwait_InjectsCorrelationID(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		transport.deliver("resp", []byte(`{"correlation_id": "corr-abc", "success": true}`))
	}
	link := New(transport, 1)

	_, err := link.PublishAndAwait(context.Background(), "req", "resp",
		map[string]any{"plan_id": "P"}, "corr-abc", time.Second)

	require.NoError(t, err)
	require.Len(t, transport.published, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(transport.published[0], &sent))
	assert.Equal(t, "corr-abc", sent["correlation_id"])
	assert.Equal(t, "P", sent["plan_id"])
}

func TestPublishAndAwait_IgnoresOtherCorrelationIDs(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		// a response for someone else's request, then ours
		transport.deliver("resp", []byte(`{"correlation_id": "other", "success": true, "signals": ["service_completed"]}`))
		transport.deliver("resp", []byte(`{"correlation_id": "mine", "success": false, "signals": ["quota_exhausted"]}`))
	}
	link := New(transport, 1)

	outcome, err := link.PublishAndAwait(context.Background(), "req", "resp", map[string]any{}, "mine", time.Second)

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, "quota_exhausted", outcome.Signal)
}

func TestPublishAndAwait_MatchesTruncatedCorrelationID(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		// the backend truncated our ID to its column width
		transport.deliver("resp", []byte(`{"correlation_id": "corr-1234", "success": true, "signals": ["asset_allocated"]}`))
	}
	link := New(transport, 1)

	outcome, err := link.PublishAndAwait(context.Background(), "req", "resp",
		map[string]any{}, "corr-1234-full-suffix", time.Second)

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
}

func TestPublishAndAwait_ResolvesAtMostOnce(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		// the broker redelivers the same response
		payload := []byte(`{"correlation_id": "c", "success": true, "signals": ["service_completed"]}`)
		transport.deliver("resp", payload)
		transport.deliver("resp", payload)
		transport.deliver("resp", payload)
	}
	link := New(transport, 1)

	outcome, err := link.PublishAndAwait(context.Background(), "req", "resp", map[string]any{}, "c", time.Second)

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
}

func TestPublishAndAwait_TimesOut(t *testing.T) {
	transport := newFakeTransport()
	link := New(transport, 1)

	_, err := link.PublishAndAwait(context.Background(), "req", "resp", map[string]any{}, "c", 20*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPublishAndAwait_ContextCancellation(t *testing.T) {
	transport := newFakeTransport()
	link := New(transport, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := link.PublishAndAwait(ctx, "req", "resp", map[string]any{}, "c", time.Second)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishAndAwait_UnsubscribesAfterRoundTrip(t *testing.T) {
	transport := newFakeTransport()
	transport.onPublish = func(_ string, _ []byte) {
		transport.deliver("resp", []byte(`{"correlation_id": "c", "success": true}`))
	}
	link := New(transport, 1)

	_, err := link.PublishAndAwait(context.Background(), "req", "resp", map[string]any{}, "c", time.Second)

	require.NoError(t, err)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Empty(t, transport.handlers)
}
