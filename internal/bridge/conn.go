// Package bridge holds the transport-agnostic core of the relay: the set of
// live stream connections and the per-connection receive loop.
package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrTransportDisconnect is returned by Conn.Read when the peer closed
	// the connection or the connection failed.
	ErrTransportDisconnect = errors.New("transport disconnected")

	// ErrFrameTooLarge is returned by Conn.Read for a frame above the
	// configured size limit. The frame is discarded and the connection stays
	// usable.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrBindFailure is returned when a listening socket cannot be bound.
	ErrBindFailure = errors.New("bind failure")
)

// FrameKind distinguishes text frames from binary frames.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

func (k FrameKind) String() string {
	if k == FrameBinary {
		return "binary"
	}
	return "text"
}

// Frame is one transport-level message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// TextFrame returns a text frame carrying data.
func TextFrame(data []byte) Frame {
	return Frame{Kind: FrameText, Data: data}
}

// BinaryFrame returns a binary frame carrying data.
func BinaryFrame(data []byte) Frame {
	return Frame{Kind: FrameBinary, Data: data}
}

// Conn abstracts a framed, bidirectional stream connection.
// Implementations must allow Write to be called concurrently with Read and
// with other Writes.
type Conn interface {
	// Read blocks until one frame arrives or ctx is done.
	Read(ctx context.Context) (Frame, error)

	// Write sends one frame.
	Write(ctx context.Context, f Frame) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Client is one registered stream connection.
type Client struct {
	ID   string
	Conn Conn
}

// NewClient wraps conn with a fresh identity.
func NewClient(conn Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
	}
}

// ConnHandler serves one accepted connection until it ends.
type ConnHandler interface {
	Serve(ctx context.Context, conn Conn)
}
