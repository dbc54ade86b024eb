package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn echoes a canned response for every command and lets tests inject
// pushes.
type fakeConn struct {
	frames   chan []byte
	sent     [][]byte
	respond  func(f map[string]any) []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (c *fakeConn) Send(frame []byte) error {
	c.sent = append(c.sent, frame)
	if c.respond != nil {
		var f map[string]any
		if err := json.Unmarshal(frame, &f); err == nil {
			if resp := c.respond(f); resp != nil {
				c.frames <- resp
			}
		}
	}
	return nil
}

func (c *fakeConn) Frames() <-chan []byte { return c.frames }
func (c *fakeConn) Close() error          { return nil }

func (c *fakeConn) push(event string, data string) {
	c.frames <- []byte(fmt.Sprintf(`{"event": %q, "data": %s}`, event, data))
}

func TestCall_MatchesCallbackByCallID(t *testing.T) {
	conn := newFakeConn()
	conn.respond = func(f map[string]any) []byte {
		return []byte(fmt.Sprintf(`{"callId": %q, "data": {"respCode": 200}}`, f["callId"]))
	}
	b := New(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	data, err := b.Call(ctx, "startBleScan", nil)
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, float64(200), m["respCode"])
}

func TestCall_NoBridgeIsPreconditionFailure(t *testing.T) {
	b := New(nil)

	_, err := b.Call(context.Background(), "startBleScan", nil)

	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCall_ContextExpiryWhenNoCallback(t *testing.T) {
	conn := newFakeConn() // never responds
	b := New(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	callCtx, callCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer callCancel()

	_, err := b.Call(callCtx, "connBleByMacAddress", "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnPush_RegistrationIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	b := New(conn)

	delivered := make(chan string, 4)
	b.OnPush(PushQrCodeResult, func(data json.RawMessage) {
		delivered <- "first"
	})
	// re-registering must not add a second delivery path
	b.OnPush(PushQrCodeResult, func(data json.RawMessage) {
		delivered <- "second"
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	conn.push(PushQrCodeResult, `{"respData": {"value": "BATT-0099"}}`)

	select {
	case got := <-delivered:
		assert.Equal(t, "first", got)
	case <-time.After(time.Second):
		t.Fatal("push was not delivered")
	}

	select {
	case got := <-delivered:
		t.Fatalf("push delivered twice (second handler %q)", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_StaleCallbackDiscarded(t *testing.T) {
	conn := newFakeConn()
	b := New(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// a callback for a call that no longer exists must not panic or block
	conn.frames <- []byte(`{"callId": "gone", "data": {}}`)
	conn.push(PushQrCodeResult, `{}`) // proves the loop is still alive

	time.Sleep(20 * time.Millisecond)
}
