// Package protocol translates control messages between the JSON documents
// exchanged with stream clients and the OSC 1.0 binary wire format.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMessage is returned when a text frame lacks a usable address
	// or carries argument values that cannot be represented.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrMalformedWireFormat is returned when OSC bytes cannot be parsed.
	ErrMalformedWireFormat = errors.New("malformed wire format")
)

// Kind identifies the type of an argument value.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
	KindBlob
	KindInt64
	KindDouble
	KindNil
)

var kindNames = [...]string{
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBool:   "bool",
	KindBlob:   "blob",
	KindInt64:  "int64",
	KindDouble: "double",
	KindNil:    "nil",
}

// String returns the name used for the kind in JSON documents.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// kindAliases maps every accepted JSON type hint to a kind. It covers the
// canonical names, the OSC tag letters and the names emitted by Python peers.
var kindAliases = map[string]Kind{
	"int":      KindInt,
	"integer":  KindInt,
	"i":        KindInt,
	"float":    KindFloat,
	"f":        KindFloat,
	"string":   KindString,
	"str":      KindString,
	"s":        KindString,
	"bool":     KindBool,
	"boolean":  KindBool,
	"blob":     KindBlob,
	"bytes":    KindBlob,
	"b":        KindBlob,
	"int64":    KindInt64,
	"h":        KindInt64,
	"double":   KindDouble,
	"d":        KindDouble,
	"nil":      KindNil,
	"null":     KindNil,
	"none":     KindNil,
	"nonetype": KindNil,
	"n":        KindNil,
}

// ParseKind resolves a JSON type hint. Matching is case-insensitive.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// Value is one typed OSC argument. Only the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
	Bool  bool
	Blob  []byte
}

// Int returns a 32-bit integer value.
func Int(v int32) Value { return Value{Kind: KindInt, Int: int64(v)} }

// Float returns a 32-bit float value.
func Float(v float32) Value { return Value{Kind: KindFloat, Float: float64(v)} }

// String returns a string value.
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// Blob returns a raw byte value.
func Blob(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

// Int64 returns a 64-bit integer value.
func Int64(v int64) Value { return Value{Kind: KindInt64, Int: v} }

// Double returns a 64-bit float value.
func Double(v float64) Value { return Value{Kind: KindDouble, Float: v} }

// Nil returns the OSC nil value.
func Nil() Value { return Value{Kind: KindNil} }

// Interface returns the value as the native Go type of its kind.
// Floats are returned as float32 so that JSON output keeps 32-bit precision.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return int32(v.Int)
	case KindFloat:
		return float32(v.Float)
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	case KindBlob:
		return v.Blob
	case KindInt64:
		return v.Int
	case KindDouble:
		return v.Float
	default:
		return nil
	}
}

// Message is the protocol-neutral form of one control event.
type Message struct {
	Address string
	Args    []Value
}

// NewMessage creates a Message with the given arguments.
func NewMessage(address string, args ...Value) Message {
	return Message{Address: address, Args: args}
}

// Validate reports whether the message can be forwarded. OSC strings are
// NUL-terminated, so neither the address nor a string argument may contain
// a NUL byte.
func (m Message) Validate() error {
	if m.Address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidMessage)
	}
	if !strings.HasPrefix(m.Address, "/") {
		return fmt.Errorf("%w: address %q must begin with '/'", ErrInvalidMessage, m.Address)
	}
	if strings.IndexByte(m.Address, 0) >= 0 {
		return fmt.Errorf("%w: address %q contains a NUL byte", ErrInvalidMessage, m.Address)
	}
	for i, a := range m.Args {
		if a.Kind == KindString && strings.IndexByte(a.Str, 0) >= 0 {
			return fmt.Errorf("%w: argument %d contains a NUL byte", ErrInvalidMessage, i)
		}
	}
	return nil
}

// Values returns the arguments as native Go values, in order.
func (m Message) Values() []any {
	out := make([]any, len(m.Args))
	for i, a := range m.Args {
		out[i] = a.Interface()
	}
	return out
}

// String formats the message for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s %v", m.Address, m.Values())
}
