// Package udp moves OSC datagrams in and out of the bridge: a Sender for the
// fixed destination and a Listener that relays inbound datagrams to stream
// clients.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/omochice/ws-osc-bridge/internal/metrics"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

// ErrDestinationUnreachable is returned by Sender.Send when the datagram
// could not be written. Callers treat it as non-fatal.
var ErrDestinationUnreachable = errors.New("destination unreachable")

// Sender writes OSC messages to one fixed destination. A single connected
// socket is shared by all callers; Send is safe for concurrent use.
type Sender struct {
	conn    *net.UDPConn
	target  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderMetrics records send outcomes on m.
func WithSenderMetrics(m *metrics.Metrics) SenderOption {
	return func(s *Sender) {
		s.metrics = m
	}
}

// NewSender resolves host:port and opens the outbound socket.
func NewSender(host string, port int, logger *slog.Logger, opts ...SenderOption) (*Sender, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve OSC target %s: %w", target, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open OSC socket to %s: %w", target, err)
	}

	s := &Sender{
		conn:   conn,
		target: target,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send encodes msg and writes it as one datagram. Failures are logged and
// returned wrapping ErrDestinationUnreachable; nothing is retried.
func (s *Sender) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	data, err := protocol.EncodeBinary(msg)
	if err != nil {
		s.logger.Warn("udp_encode_failed",
			"address", msg.Address,
			"args", msg.Values(),
			"error", err,
		)
		return fmt.Errorf("failed to encode message: %w", err)
	}

	_, err = s.conn.Write(data)
	s.metrics.DatagramSent(err == nil, time.Since(start))
	if err != nil {
		s.logger.Warn("udp_send_failed",
			"address", msg.Address,
			"args", msg.Values(),
			"target", s.target,
			"error", err,
		)
		return fmt.Errorf("%w: %s: %v", ErrDestinationUnreachable, s.target, err)
	}

	s.logger.Debug("udp_sent",
		"address", msg.Address,
		"args", msg.Values(),
		"target", s.target,
		"size", len(data),
	)
	return nil
}

// Target returns the destination as host:port.
func (s *Sender) Target() string {
	return s.target
}

// Close closes the outbound socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
