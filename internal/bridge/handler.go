package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/omochice/ws-osc-bridge/internal/metrics"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

const (
	binaryPreviewBytes = 60
	textPreviewRunes   = 200
)

// Forwarder delivers a decoded message to the OSC destination.
type Forwarder interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Handler runs the receive loop of every accepted stream connection.
type Handler struct {
	registry     *Registry
	forwarder    Forwarder
	logger       *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
	rateLimit    rate.Limit
	rateBurst    int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerMetrics records frame counters on m.
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithAckTimeout bounds each acknowledgment write. Zero disables the bound.
func WithAckTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.writeTimeout = d
	}
}

// WithRateLimit allows each connection perSecond frames per second with the
// given burst. Frames over the limit are refused with an error frame.
// A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.rateLimit = rate.Limit(perSecond)
		h.rateBurst = burst
	}
}

// NewHandler creates a Handler that registers connections in registry and
// forwards their messages through forwarder.
func NewHandler(registry *Registry, forwarder Forwarder, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:  registry,
		forwarder: forwarder,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve registers conn and processes its frames until the connection fails
// or ctx is done. Undecodable frames are logged and skipped. On return conn
// is unregistered and closed.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	client := NewClient(conn)
	h.registry.Register(client)

	h.logger.Info("client_connected",
		"client_id", client.ID,
		"remote_addr", conn.RemoteAddr(),
	)

	var limiter *rate.Limiter
	if h.rateLimit > 0 {
		limiter = rate.NewLimiter(h.rateLimit, h.rateBurst)
	}

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				h.metrics.FrameRejected(metrics.RejectTooLarge)
				h.reject(ctx, client, err)
				continue
			}
			h.disconnect(client, err)
			return
		}

		h.metrics.FrameReceived(frame.Kind.String())

		if limiter != nil && !limiter.Allow() {
			h.metrics.FrameRejected(metrics.RejectRateLimited)
			h.reject(ctx, client, errors.New("rate limit exceeded"))
			continue
		}

		h.handleFrame(ctx, client, frame)
	}
}

func (h *Handler) disconnect(client *Client, cause error) {
	h.registry.Unregister(client)
	if err := client.Conn.Close(); err != nil {
		h.logger.Debug("client_close_failed", "client_id", client.ID, "error", err)
	}

	h.logger.Info("client_disconnected",
		"client_id", client.ID,
		"remote_addr", client.Conn.RemoteAddr(),
		"reason", cause,
	)
}

func (h *Handler) handleFrame(ctx context.Context, client *Client, frame Frame) {
	binary := frame.Kind == FrameBinary

	var (
		msg protocol.Message
		err error
	)
	if binary {
		msg, err = protocol.DecodeBinary(frame.Data)
	} else {
		msg, err = protocol.DecodeText(frame.Data)
	}
	if err != nil {
		h.metrics.DecodeFailed(metrics.SourceStream)
		h.logger.Warn("frame_decode_failed",
			"client_id", client.ID,
			"kind", frame.Kind.String(),
			"size", len(frame.Data),
			"payload", preview(frame),
			"error", err,
		)
		return
	}

	sendErr := h.forwarder.Send(ctx, msg)
	status := protocol.AckStatus(binary, sendErr == nil)

	h.logger.Debug("message_forwarded",
		"client_id", client.ID,
		"address", msg.Address,
		"args", msg.Values(),
		"status", string(status),
	)

	ack, err := protocol.EncodeText(msg, status)
	if err != nil {
		h.logger.Warn("ack_encode_failed",
			"client_id", client.ID,
			"address", msg.Address,
			"error", err,
		)
		return
	}
	h.write(ctx, client, TextFrame(ack))
}

func (h *Handler) reject(ctx context.Context, client *Client, cause error) {
	h.logger.Warn("frame_rejected",
		"client_id", client.ID,
		"remote_addr", client.Conn.RemoteAddr(),
		"reason", cause,
	)

	data, err := protocol.EncodeError(cause.Error())
	if err != nil {
		return
	}
	h.write(ctx, client, TextFrame(data))
}

// write failures are only logged; the read loop notices a dead connection.
func (h *Handler) write(ctx context.Context, client *Client, f Frame) {
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}
	if err := client.Conn.Write(ctx, f); err != nil {
		h.logger.Debug("client_write_failed",
			"client_id", client.ID,
			"error", err,
		)
	}
}

func preview(f Frame) string {
	if f.Kind == FrameBinary {
		if len(f.Data) > binaryPreviewBytes {
			return hex.EncodeToString(f.Data[:binaryPreviewBytes]) + "..."
		}
		return hex.EncodeToString(f.Data)
	}

	runes := []rune(string(f.Data))
	if len(runes) > textPreviewRunes {
		return string(runes[:textPreviewRunes]) + "..."
	}
	return string(runes)
}
