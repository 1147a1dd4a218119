package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const bundleTag = "#bundle"

// typeTag returns the OSC type tag written for a value on encode.
// Booleans narrow to 'i' (0 or 1) because the receiving engines do not
// reliably accept the T/F tags.
func typeTag(v Value) (byte, error) {
	switch v.Kind {
	case KindInt, KindBool:
		return 'i', nil
	case KindFloat:
		return 'f', nil
	case KindString:
		return 's', nil
	case KindBlob:
		return 'b', nil
	case KindInt64:
		return 'h', nil
	case KindDouble:
		return 'd', nil
	case KindNil:
		return 'N', nil
	default:
		return 0, fmt.Errorf("%w: unsupported argument kind %d", ErrInvalidMessage, v.Kind)
	}
}

// TypeTags returns the OSC type tag string (including the leading comma)
// that EncodeBinary writes for args.
func TypeTags(args []Value) (string, error) {
	var sb strings.Builder
	sb.WriteByte(',')
	for _, a := range args {
		t, err := typeTag(a)
		if err != nil {
			return "", err
		}
		sb.WriteByte(t)
	}
	return sb.String(), nil
}

// EncodeBinary encodes m as one OSC message.
func EncodeBinary(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	tags, err := TypeTags(m.Args)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writePaddedString(&buf, m.Address)
	writePaddedString(&buf, tags)
	for _, a := range m.Args {
		switch a.Kind {
		case KindInt:
			writeUint32(&buf, uint32(int32(a.Int)))
		case KindBool:
			var n uint32
			if a.Bool {
				n = 1
			}
			writeUint32(&buf, n)
		case KindFloat:
			writeUint32(&buf, math.Float32bits(float32(a.Float)))
		case KindString:
			writePaddedString(&buf, a.Str)
		case KindBlob:
			writeUint32(&buf, uint32(len(a.Blob)))
			buf.Write(a.Blob)
			buf.Write(make([]byte, pad(len(a.Blob))))
		case KindInt64:
			writeUint64(&buf, uint64(a.Int))
		case KindDouble:
			writeUint64(&buf, math.Float64bits(a.Float))
		}
	}
	return buf.Bytes(), nil
}

// DecodeBinary decodes exactly one OSC message.
func DecodeBinary(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty packet", ErrMalformedWireFormat)
	}
	if len(data)%4 != 0 {
		return Message{}, fmt.Errorf("%w: packet length %d is not a multiple of 4", ErrMalformedWireFormat, len(data))
	}

	r := &wireReader{data: data}
	address, err := r.string()
	if err != nil {
		return Message{}, fmt.Errorf("address: %w", err)
	}
	if !strings.HasPrefix(address, "/") {
		return Message{}, fmt.Errorf("%w: address %q must begin with '/'", ErrMalformedWireFormat, address)
	}

	msg := Message{Address: address}
	// Messages from pre-1.0 senders may omit the type tag string entirely.
	if r.remaining() == 0 {
		return msg, nil
	}

	tags, err := r.string()
	if err != nil {
		return Message{}, fmt.Errorf("type tags: %w", err)
	}
	if !strings.HasPrefix(tags, ",") {
		return Message{}, fmt.Errorf("%w: type tag string %q must begin with ','", ErrMalformedWireFormat, tags)
	}

	for i := 1; i < len(tags); i++ {
		v, err := r.value(tags[i])
		if err != nil {
			return Message{}, fmt.Errorf("argument %d (%c): %w", i-1, tags[i], err)
		}
		msg.Args = append(msg.Args, v)
	}
	if r.remaining() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes after arguments", ErrMalformedWireFormat, r.remaining())
	}
	return msg, nil
}

// DecodePacket decodes an OSC packet, which is either a single message or a
// bundle. Bundle elements are flattened in order; time tags are ignored.
func DecodePacket(data []byte) ([]Message, error) {
	if !bytes.HasPrefix(data, []byte(bundleTag+"\x00")) {
		msg, err := DecodeBinary(data)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: bundle length %d is not a multiple of 4", ErrMalformedWireFormat, len(data))
	}
	r := &wireReader{data: data, off: len(bundleTag) + 1}
	if _, err := r.uint64(); err != nil {
		return nil, fmt.Errorf("bundle time tag: %w", err)
	}

	var out []Message
	for r.remaining() > 0 {
		size, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("bundle element size: %w", err)
		}
		elem, err := r.bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("bundle element: %w", err)
		}
		msgs, err := DecodePacket(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// EncodeBundle wraps messages into an OSC bundle with the "immediately" time tag.
func EncodeBundle(msgs ...Message) ([]byte, error) {
	var buf bytes.Buffer
	writePaddedString(&buf, bundleTag)
	writeUint64(&buf, 1)
	for _, m := range msgs {
		elem, err := EncodeBinary(m)
		if err != nil {
			return nil, err
		}
		writeUint32(&buf, uint32(len(elem)))
		buf.Write(elem)
	}
	return buf.Bytes(), nil
}

func pad(n int) int {
	return (4 - n%4) % 4
}

func writePaddedString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	// at least one NUL terminator, then align to 4
	buf.Write(make([]byte, 4-len(s)%4))
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}

type wireReader struct {
	data []byte
	off  int
}

func (r *wireReader) remaining() int {
	return len(r.data) - r.off
}

func (r *wireReader) bytes(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedWireFormat, n, r.off, r.remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *wireReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *wireReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *wireReader) string() (string, error) {
	end := bytes.IndexByte(r.data[r.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrMalformedWireFormat, r.off)
	}
	s := string(r.data[r.off : r.off+end])
	n := end + 1
	n += pad(n)
	if _, err := r.bytes(n); err != nil {
		return "", err
	}
	return s, nil
}

func (r *wireReader) value(tag byte) (Value, error) {
	switch tag {
	case 'i':
		n, err := r.uint32()
		return Int(int32(n)), err
	case 'f':
		n, err := r.uint32()
		return Float(math.Float32frombits(n)), err
	case 's', 'S':
		s, err := r.string()
		return String(s), err
	case 'b':
		size, err := r.uint32()
		if err != nil {
			return Value{}, err
		}
		blob, err := r.bytes(int(size))
		if err != nil {
			return Value{}, err
		}
		if _, err := r.bytes(pad(int(size))); err != nil {
			return Value{}, err
		}
		return Blob(append([]byte{}, blob...)), nil
	case 'h':
		n, err := r.uint64()
		return Int64(int64(n)), err
	case 'd':
		n, err := r.uint64()
		return Double(math.Float64frombits(n)), err
	case 'T':
		return Bool(true), nil
	case 'F':
		return Bool(false), nil
	case 'N':
		return Nil(), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type tag %q", ErrMalformedWireFormat, tag)
	}
}
