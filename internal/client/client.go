// Package client speaks the bridge's stream protocol from the client side,
// over WebSocket (ws://, wss://) or OSC-over-TCP (tcp://).
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
	"github.com/omochice/ws-osc-bridge/internal/transport/tcp"
	"github.com/omochice/ws-osc-bridge/internal/transport/ws"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client closed")

const frameBuffer = 16

// Client sends messages to a bridge and receives its replies and broadcasts.
type Client struct {
	conn   bridge.Conn
	logger *slog.Logger
	frames chan bridge.Frame

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial connects to address. The scheme selects the transport.
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %q: %w", address, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		conn, err := ws.Dial(ctx, address, 0)
		if err != nil {
			return nil, err
		}
		return New(conn, logger), nil
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", u.Host, err)
		}
		return New(tcp.NewConn(conn, 0), logger), nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q: use ws, wss or tcp", u.Scheme)
	}
}

// New starts a Client on an established connection.
func New(conn bridge.Conn, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		logger: logger,
		frames: make(chan bridge.Frame, frameBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.receive()
	return c
}

// Send sends msg as a JSON text frame.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.EncodeDocument(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.write(ctx, bridge.TextFrame(data))
}

// SendBinary sends msg as a binary OSC frame.
func (c *Client) SendBinary(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.EncodeBinary(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.write(ctx, bridge.BinaryFrame(data))
}

func (c *Client) write(ctx context.Context, f bridge.Frame) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Kind, err)
	}
	return nil
}

// Frames returns the frames received from the bridge. The channel is closed
// when the connection ends.
func (c *Client) Frames() <-chan bridge.Frame {
	return c.frames
}

// Next waits for the next received frame. It returns
// bridge.ErrTransportDisconnect once the connection has ended.
func (c *Client) Next(ctx context.Context) (bridge.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return bridge.Frame{}, bridge.ErrTransportDisconnect
		}
		return f, nil
	case <-ctx.Done():
		return bridge.Frame{}, ctx.Err()
	}
}

// NextReply returns the next acknowledgment or rejection notice, discarding
// broadcasts and binary frames that arrive before it.
func (c *Client) NextReply(ctx context.Context) (bridge.Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return bridge.Frame{}, err
		}
		if f.Kind == bridge.FrameText && protocol.IsReply(f.Data) {
			return f, nil
		}
		c.logger.Debug("client_frame_skipped", "kind", f.Kind, "size", len(f.Data))
	}
}

// Close closes the connection and waits for the receive loop to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Client) receive() {
	defer c.wg.Done()
	defer close(c.frames)

	for {
		f, err := c.conn.Read(c.ctx)
		if errors.Is(err, bridge.ErrFrameTooLarge) {
			continue
		}
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("client_read_failed",
					"remote_addr", c.conn.RemoteAddr(),
					"error", err,
				)
			}
			return
		}

		select {
		case c.frames <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

// ParseArgs converts command-line words into OSC arguments. A word may carry
// a type prefix such as "f:0.5", "i:3", "s:text" or "blob:AQID"; any alias
// accepted by protocol.ParseKind works. Words without a known prefix are
// inferred: integers, then floats, then true/false, otherwise strings.
func ParseArgs(words []string) ([]protocol.Value, error) {
	args := make([]protocol.Value, 0, len(words))
	for i, word := range words {
		v, err := parseArg(word)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i, word, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func parseArg(word string) (protocol.Value, error) {
	if prefix, rest, ok := strings.Cut(word, ":"); ok {
		if kind, ok := protocol.ParseKind(prefix); ok {
			return parseTyped(kind, rest)
		}
	}

	if n, err := strconv.ParseInt(word, 10, 32); err == nil {
		return protocol.Int(int32(n)), nil
	}
	if n, err := strconv.ParseInt(word, 10, 64); err == nil {
		return protocol.Int64(n), nil
	}
	if f, err := strconv.ParseFloat(word, 32); err == nil {
		return protocol.Float(float32(f)), nil
	}
	if word == "true" || word == "false" {
		return protocol.Bool(word == "true"), nil
	}
	return protocol.String(word), nil
}

func parseTyped(kind protocol.Kind, s string) (protocol.Value, error) {
	invalid := func(err error) (protocol.Value, error) {
		return protocol.Value{}, fmt.Errorf("%w: %q is not a valid %s: %v", protocol.ErrInvalidMessage, s, kind, err)
	}

	switch kind {
	case protocol.KindInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return invalid(err)
		}
		return protocol.Int(int32(n)), nil
	case protocol.KindInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return invalid(err)
		}
		return protocol.Int64(n), nil
	case protocol.KindFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return invalid(err)
		}
		return protocol.Float(float32(f)), nil
	case protocol.KindDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return invalid(err)
		}
		return protocol.Double(f), nil
	case protocol.KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return invalid(err)
		}
		return protocol.Bool(b), nil
	case protocol.KindBlob:
		blob, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return invalid(err)
		}
		return protocol.Blob(blob), nil
	case protocol.KindNil:
		return protocol.Nil(), nil
	default:
		return protocol.String(s), nil
	}
}
