package bridge_test

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
)

type readResult struct {
	frame bridge.Frame
	err   error
}

// mockConn is a mock implementation of bridge.Conn for testing.
type mockConn struct {
	readCh     chan readResult
	remoteAddr string

	mu       sync.Mutex
	written  []bridge.Frame
	writeErr error
	closed   bool

	// blockWrites makes Write wait for ctx to end.
	blockWrites bool
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan readResult, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) push(f bridge.Frame) {
	m.readCh <- readResult{frame: f}
}

func (m *mockConn) pushErr(err error) {
	m.readCh <- readResult{err: err}
}

func (m *mockConn) Read(ctx context.Context) (bridge.Frame, error) {
	select {
	case <-ctx.Done():
		return bridge.Frame{}, ctx.Err()
	case r, ok := <-m.readCh:
		if !ok {
			return bridge.Frame{}, bridge.ErrTransportDisconnect
		}
		return r.frame, r.err
	}
}

func (m *mockConn) Write(ctx context.Context, f bridge.Frame) error {
	if m.blockWrites {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, bridge.Frame{Kind: f.Kind, Data: append([]byte{}, f.Data...)})
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) Written() []bridge.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bridge.Frame{}, m.written...)
}

func (m *mockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Compile-time check that mockConn implements bridge.Conn
var _ bridge.Conn = (*mockConn)(nil)
