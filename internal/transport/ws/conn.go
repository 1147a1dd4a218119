// Package ws provides the WebSocket stream transport.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
)

const (
	closeWriteTimeout   = time.Second
	controlWriteTimeout = time.Second
)

// Conn adapts a WebSocket connection to bridge.Conn, on either side of the
// handshake. Control frames are answered from Read; every write, including
// control replies, is serialized by one mutex.
type Conn struct {
	conn         net.Conn
	state        ws.State
	rd           *wsutil.Reader
	control      wsutil.FrameHandlerFunc
	remoteAddr   string
	maxFrameSize int64

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a server-side upgraded connection. A maxFrameSize of zero
// disables the size limit.
func NewConn(conn net.Conn, remoteAddr string, maxFrameSize int64) *Conn {
	return newConn(conn, conn, ws.StateServerSide, remoteAddr, maxFrameSize)
}

// Dial opens a client-side connection to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, maxFrameSize int64) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	// br holds frames the server sent right behind the handshake
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	return newConn(conn, src, ws.StateClientSide, conn.RemoteAddr().String(), maxFrameSize), nil
}

func newConn(conn net.Conn, src io.Reader, state ws.State, remoteAddr string, maxFrameSize int64) *Conn {
	c := &Conn{
		conn:         conn,
		state:        state,
		remoteAddr:   remoteAddr,
		maxFrameSize: maxFrameSize,
	}
	handler := wsutil.ControlFrameHandler(conn, state)
	c.control = func(hdr ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if err := c.conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
		return handler(hdr, r)
	}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	return c
}

// Read implements bridge.Conn. It returns the next complete text or binary
// message. Errors other than bridge.ErrFrameTooLarge wrap
// bridge.ErrTransportDisconnect.
func (c *Conn) Read(ctx context.Context) (bridge.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return bridge.Frame{}, c.readError(ctx, err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.rd); err != nil {
				return bridge.Frame{}, c.readError(ctx, err)
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.rd.Discard(); err != nil {
				return bridge.Frame{}, c.readError(ctx, err)
			}
			continue
		}

		kind := bridge.FrameText
		if hdr.OpCode == ws.OpBinary {
			kind = bridge.FrameBinary
		}

		var src io.Reader = c.rd
		if c.maxFrameSize > 0 {
			src = io.LimitReader(c.rd, c.maxFrameSize+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return bridge.Frame{}, c.readError(ctx, err)
		}

		if c.maxFrameSize > 0 && int64(len(data)) > c.maxFrameSize {
			// drain the rest of the message, continuation frames included
			if _, err := io.Copy(io.Discard, c.rd); err != nil {
				return bridge.Frame{}, c.readError(ctx, err)
			}
			return bridge.Frame{}, fmt.Errorf("%w: more than %d bytes", bridge.ErrFrameTooLarge, c.maxFrameSize)
		}

		return bridge.Frame{Kind: kind, Data: data}, nil
	}
}

func (c *Conn) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", bridge.ErrTransportDisconnect, ctxErr)
	}
	return fmt.Errorf("%w: %w", bridge.ErrTransportDisconnect, err)
}

// Write implements bridge.Conn. The ctx deadline, if any, bounds the write.
func (c *Conn) Write(ctx context.Context, f bridge.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	// a deadline left behind would fail the next control reply
	defer c.conn.SetWriteDeadline(time.Time{})

	op := ws.OpText
	if f.Kind == bridge.FrameBinary {
		op = ws.OpBinary
	}
	if err := wsutil.WriteMessage(c.conn, c.state, op, f.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close implements bridge.Conn. It sends a normal-closure frame and closes
// the socket. Calling Close more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
		c.wmu.Unlock()

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements bridge.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
