package udp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
	"github.com/omochice/ws-osc-bridge/internal/metrics"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

const (
	maxDatagramSize = 65535
	previewBytes    = 60
)

// Broadcaster fans a frame out to stream clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, f bridge.Frame) int
}

// Listener receives OSC datagrams and broadcasts each decoded message as a
// JSON document.
type Listener struct {
	address string
	conn    *net.UDPConn
	sink    Broadcaster
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerMetrics records datagram counters on m.
func WithListenerMetrics(m *metrics.Metrics) ListenerOption {
	return func(l *Listener) {
		l.metrics = m
	}
}

// NewListener creates a Listener for address. Call Listen to bind it.
func NewListener(address string, sink Broadcaster, logger *slog.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		address: address,
		sink:    sink,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen binds the receiving socket.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("%w: udp %s: %v", bridge.ErrBindFailure, l.address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: udp %s: %v", bridge.ErrBindFailure, l.address, err)
	}
	l.conn = conn

	l.logger.Info("udp_listener_started", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve reads datagrams until the socket is closed or ctx is done.
// Datagrams are handled in arrival order; a bad datagram is logged and dropped.
func (l *Listener) Serve(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("udp listener is not bound")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("udp_read_failed", "error", err)
			continue
		}
		l.relay(ctx, buf[:n], from)
	}
}

func (l *Listener) relay(ctx context.Context, data []byte, from *net.UDPAddr) {
	l.metrics.DatagramReceived()

	msgs, err := protocol.DecodePacket(data)
	if err != nil {
		l.metrics.DecodeFailed(metrics.SourceDatagram)
		l.logger.Warn("datagram_decode_failed",
			"from", from.String(),
			"size", len(data),
			"payload", hexPreview(data),
			"error", err,
		)
		return
	}

	for _, msg := range msgs {
		doc, err := protocol.EncodeText(msg, protocol.StatusRelayedFromExternal)
		if err != nil {
			l.logger.Warn("datagram_encode_failed",
				"from", from.String(),
				"address", msg.Address,
				"error", err,
			)
			continue
		}

		sent := l.sink.Broadcast(ctx, bridge.TextFrame(doc))
		l.logger.Debug("datagram_relayed",
			"from", from.String(),
			"address", msg.Address,
			"args", msg.Values(),
			"clients", sent,
		)
	}
}

// Close closes the receiving socket, which ends Serve.
func (l *Listener) Close() error {
	if l.conn == nil {
		return nil
	}
	if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func hexPreview(b []byte) string {
	if len(b) > previewBytes {
		return hex.EncodeToString(b[:previewBytes]) + "..."
	}
	return hex.EncodeToString(b)
}
