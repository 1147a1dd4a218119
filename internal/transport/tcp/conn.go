// Package tcp provides the OSC 1.0 stream transport: each frame on the wire
// is a big-endian int32 byte count followed by that many bytes.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
)

const headerSize = 4

// ReadFrame reads one length-prefixed frame. Frames above maxSize are
// skipped and reported as bridge.ErrFrameTooLarge; zero disables the limit.
func ReadFrame(r io.Reader, maxSize int64) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := int64(binary.BigEndian.Uint32(header[:]))

	if maxSize > 0 && size > maxSize {
		if _, err := io.CopyN(io.Discard, r, size); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", bridge.ErrFrameTooLarge, size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame writes data as one length-prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[headerSize:], data)
	_, err := w.Write(buf)
	return err
}

// Conn adapts a stream socket to bridge.Conn. A frame whose payload starts
// with '{' is a JSON text frame; anything else is an OSC packet.
type Conn struct {
	conn         net.Conn
	rd           *bufio.Reader
	maxFrameSize int64

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a net.Conn. A maxFrameSize of zero disables the size limit.
func NewConn(conn net.Conn, maxFrameSize int64) *Conn {
	return &Conn{
		conn:         conn,
		rd:           bufio.NewReader(conn),
		maxFrameSize: maxFrameSize,
	}
}

// Read implements bridge.Conn.
func (c *Conn) Read(ctx context.Context) (bridge.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := ReadFrame(c.rd, c.maxFrameSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if errors.Is(err, bridge.ErrFrameTooLarge) {
			return bridge.Frame{}, err
		}
		return bridge.Frame{}, fmt.Errorf("%w: %w", bridge.ErrTransportDisconnect, err)
	}

	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return bridge.TextFrame(data), nil
	}
	return bridge.BinaryFrame(data), nil
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
	if err := WriteFrame(c.conn, f.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close implements bridge.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements bridge.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
