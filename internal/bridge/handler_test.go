package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

// fakeForwarder records every message and, for ordering checks, how many
// frames the observed connection had received when Send was called.
type fakeForwarder struct {
	mu           sync.Mutex
	sent         []protocol.Message
	writesAtSend []int
	err          error
	observed     *mockConn
}

func (f *fakeForwarder) Send(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.observed != nil {
		f.writesAtSend = append(f.writesAtSend, len(f.observed.Written()))
	}
	return f.err
}

func (f *fakeForwarder) Sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message{}, f.sent...)
}

type ack struct {
	Type            string `json:"type"`
	ReceivedAddress string `json:"received_address"`
	ReceivedArgs    []any  `json:"received_args"`
	Status          string `json:"status"`
	Message         string `json:"message"`
}

func decodeAck(t *testing.T, f bridge.Frame) ack {
	t.Helper()
	require.Equal(t, bridge.FrameText, f.Kind)
	var a ack
	require.NoError(t, json.Unmarshal(f.Data, &a))
	return a
}

// serve runs h.Serve in the background and returns a channel closed on exit.
func serve(ctx context.Context, h *bridge.Handler, conn bridge.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(ctx, conn)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestHandler_TextFrameForwardsThenAcknowledges(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{observed: conn}
	h := bridge.NewHandler(reg, fwd, discardLogger())

	done := serve(context.Background(), h, conn)
	conn.push(bridge.TextFrame([]byte(`{"address": "/x", "args": [{"value": 1}, {"value": "a"}]}`)))
	close(conn.readCh)
	waitDone(t, done)

	sent := fwd.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.NewMessage("/x", protocol.Int(1), protocol.String("a")), sent[0])
	assert.Equal(t, []int{0}, fwd.writesAtSend)

	written := conn.Written()
	require.Len(t, written, 1)
	a := decodeAck(t, written[0])
	assert.Equal(t, "confirmation", a.Type)
	assert.Equal(t, "/x", a.ReceivedAddress)
	assert.Equal(t, []any{float64(1), "a"}, a.ReceivedArgs)
	assert.Equal(t, "relayed_to_udp", a.Status)
}

func TestHandler_BinaryFrame(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{}
	h := bridge.NewHandler(reg, fwd, discardLogger())

	data, err := protocol.EncodeBinary(protocol.NewMessage("/fader", protocol.Float(0.5)))
	require.NoError(t, err)

	done := serve(context.Background(), h, conn)
	conn.push(bridge.BinaryFrame(data))
	close(conn.readCh)
	waitDone(t, done)

	require.Len(t, fwd.Sent(), 1)
	assert.Equal(t, "/fader", fwd.Sent()[0].Address)

	written := conn.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "relayed_to_udp_binary", decodeAck(t, written[0]).Status)
}

func TestHandler_FloatOverflowIsRejected(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{}
	h := bridge.NewHandler(reg, fwd, discardLogger())

	done := serve(context.Background(), h, conn)
	conn.push(bridge.TextFrame([]byte(`{"address": "/big", "args": [{"value": 1e39}]}`)))
	conn.push(bridge.TextFrame([]byte(`{"address": "/nul", "args": [{"value": "a\u0000b"}]}`)))
	conn.push(bridge.TextFrame([]byte(`{"address": "/next"}`)))
	require.Eventually(t, func() bool { return len(conn.Written()) == 1 }, time.Second, 5*time.Millisecond)

	require.Len(t, fwd.Sent(), 1)
	assert.Equal(t, "/next", fwd.Sent()[0].Address)
	assert.Equal(t, "/next", decodeAck(t, conn.Written()[0]).ReceivedAddress)
	assert.False(t, conn.Closed())

	close(conn.readCh)
	waitDone(t, done)
}

func TestHandler_NonFiniteBinaryIsAcknowledged(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{}
	h := bridge.NewHandler(reg, fwd, discardLogger())

	msg := protocol.NewMessage("/n", protocol.Float(float32(math.NaN())), protocol.Double(math.Inf(1)))
	data, err := protocol.EncodeBinary(msg)
	require.NoError(t, err)

	done := serve(context.Background(), h, conn)
	conn.push(bridge.BinaryFrame(data))
	close(conn.readCh)
	waitDone(t, done)

	require.Len(t, fwd.Sent(), 1)
	written := conn.Written()
	require.Len(t, written, 1)
	a := decodeAck(t, written[0])
	assert.Equal(t, "relayed_to_udp_binary", a.Status)
	assert.Equal(t, []any{"NaN", "Infinity"}, a.ReceivedArgs)
}

func TestHandler_ForwardFailureIsAcknowledged(t *testing.T) {
	tests := []struct {
		name   string
		frame  func(t *testing.T) bridge.Frame
		status string
	}{
		{
			name: "text",
			frame: func(t *testing.T) bridge.Frame {
				return bridge.TextFrame([]byte(`{"address": "/x"}`))
			},
			status: "relay_failed",
		},
		{
			name: "binary",
			frame: func(t *testing.T) bridge.Frame {
				data, err := protocol.EncodeBinary(protocol.NewMessage("/x"))
				require.NoError(t, err)
				return bridge.BinaryFrame(data)
			},
			status: "relay_failed_binary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := bridge.NewRegistry(discardLogger())
			conn := newMockConn("127.0.0.1:5000")
			fwd := &fakeForwarder{err: errors.New("destination unreachable")}
			h := bridge.NewHandler(reg, fwd, discardLogger())

			done := serve(context.Background(), h, conn)
			conn.push(tt.frame(t))
			close(conn.readCh)
			waitDone(t, done)

			written := conn.Written()
			require.Len(t, written, 1)
			assert.Equal(t, tt.status, decodeAck(t, written[0]).Status)
		})
	}
}

func TestHandler_MalformedFrameKeepsConnection(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{}
	h := bridge.NewHandler(reg, fwd, discardLogger())

	done := serve(context.Background(), h, conn)
	conn.push(bridge.BinaryFrame([]byte("/con")))
	conn.push(bridge.TextFrame([]byte(`{"args": []}`)))
	conn.push(bridge.TextFrame([]byte(`not json`)))

	require.Eventually(t, func() bool { return len(conn.readCh) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, fwd.Sent())
	assert.Empty(t, conn.Written())

	conn.push(bridge.TextFrame([]byte(`{"address": "/next"}`)))
	require.Eventually(t, func() bool { return len(conn.Written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.Count())
	assert.False(t, conn.Closed())
	require.Len(t, fwd.Sent(), 1)
	assert.Equal(t, "/next", fwd.Sent()[0].Address)

	close(conn.readCh)
	waitDone(t, done)
}

func TestHandler_DisconnectUnregistersAndCloses(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	h := bridge.NewHandler(reg, &fakeForwarder{}, discardLogger())

	done := serve(context.Background(), h, conn)
	require.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 5*time.Millisecond)

	conn.pushErr(bridge.ErrTransportDisconnect)
	waitDone(t, done)

	assert.Equal(t, 0, reg.Count())
	assert.True(t, conn.Closed())
}

func TestHandler_ContextCancel(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	h := bridge.NewHandler(reg, &fakeForwarder{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(ctx, h, conn)
	require.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	waitDone(t, done)
	assert.Equal(t, 0, reg.Count())
}

func TestHandler_FrameTooLarge(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{}
	h := bridge.NewHandler(reg, fwd, discardLogger())

	done := serve(context.Background(), h, conn)
	conn.pushErr(bridge.ErrFrameTooLarge)
	conn.push(bridge.TextFrame([]byte(`{"address": "/after"}`)))
	close(conn.readCh)
	waitDone(t, done)

	written := conn.Written()
	require.Len(t, written, 2)
	assert.Equal(t, "error", decodeAck(t, written[0]).Type)
	assert.Contains(t, decodeAck(t, written[0]).Message, "frame too large")
	assert.Equal(t, "relayed_to_udp", decodeAck(t, written[1]).Status)
	assert.Len(t, fwd.Sent(), 1)
}

func TestHandler_RateLimit(t *testing.T) {
	reg := bridge.NewRegistry(discardLogger())
	conn := newMockConn("127.0.0.1:5000")
	fwd := &fakeForwarder{}
	h := bridge.NewHandler(reg, fwd, discardLogger(), bridge.WithRateLimit(0.001, 1))

	done := serve(context.Background(), h, conn)
	conn.push(bridge.TextFrame([]byte(`{"address": "/a"}`)))
	conn.push(bridge.TextFrame([]byte(`{"address": "/b"}`)))
	close(conn.readCh)
	waitDone(t, done)

	require.Len(t, fwd.Sent(), 1)
	assert.Equal(t, "/a", fwd.Sent()[0].Address)

	written := conn.Written()
	require.Len(t, written, 2)
	assert.Equal(t, "confirmation", decodeAck(t, written[0]).Type)
	assert.Equal(t, "error", decodeAck(t, written[1]).Type)
}
