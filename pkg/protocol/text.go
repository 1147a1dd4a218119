package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Status discriminates the JSON documents sent to stream clients.
type Status string

const (
	StatusRelayedToUDP        Status = "relayed_to_udp"
	StatusRelayedToUDPBinary  Status = "relayed_to_udp_binary"
	StatusRelayFailed         Status = "relay_failed"
	StatusRelayFailedBinary   Status = "relay_failed_binary"
	StatusRelayedFromExternal Status = "relayed_from_external"
)

// AckStatus returns the acknowledgment status for a forward attempt of a
// frame that arrived as text (binary=false) or binary.
func AckStatus(binary, ok bool) Status {
	switch {
	case ok && binary:
		return StatusRelayedToUDPBinary
	case ok:
		return StatusRelayedToUDP
	case binary:
		return StatusRelayFailedBinary
	default:
		return StatusRelayFailed
	}
}

const (
	confirmationType = "confirmation"
	errorType        = "error"
)

type document struct {
	Address string     `json:"address"`
	Args    []typedArg `json:"args"`
}

type typedArg struct {
	Type  string   `json:"type"`
	Value argValue `json:"value"`
}

type confirmation struct {
	Type            string     `json:"type"`
	ReceivedAddress string     `json:"received_address"`
	ReceivedArgs    []argValue `json:"received_args"`
	Status          Status     `json:"status"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// argValue marshals a Value as a bare JSON value. Floats always carry a
// decimal point or exponent so that they decode back as floats.
type argValue Value

func (v argValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt, KindInt64:
		return strconv.AppendInt(nil, v.Int, 10), nil
	case KindFloat:
		return formatFloat(v.Float, 32), nil
	case KindDouble:
		return formatFloat(v.Float, 64), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return strconv.AppendBool(nil, v.Bool), nil
	case KindBlob:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.Blob))
	case KindNil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("%w: unsupported argument kind %d", ErrInvalidMessage, v.Kind)
	}
}

// NaN and the infinities have no JSON number form; they are written as the
// strings "NaN", "Infinity" and "-Infinity", which typed decoding accepts.
var nonFiniteNames = map[string]float64{
	"NaN":       math.NaN(),
	"Infinity":  math.Inf(1),
	"-Infinity": math.Inf(-1),
}

func formatFloat(f float64, bits int) []byte {
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`)
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`)
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`)
	}

	format := byte('f')
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s)
}

// EncodeDocument encodes m as {"address": ..., "args": [{"type", "value"}, ...]},
// the form broadcast to stream clients.
func EncodeDocument(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	doc := document{Address: m.Address, Args: make([]typedArg, 0, len(m.Args))}
	for _, a := range m.Args {
		doc.Args = append(doc.Args, typedArg{Type: a.Kind.String(), Value: argValue(a)})
	}
	return json.Marshal(doc)
}

// EncodeText encodes m for a stream client. StatusRelayedFromExternal yields
// the broadcast document; every other status yields an acknowledgment.
func EncodeText(m Message, status Status) ([]byte, error) {
	if status == StatusRelayedFromExternal {
		return EncodeDocument(m)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	ack := confirmation{
		Type:            confirmationType,
		ReceivedAddress: m.Address,
		ReceivedArgs:    make([]argValue, 0, len(m.Args)),
		Status:          status,
	}
	for _, a := range m.Args {
		ack.ReceivedArgs = append(ack.ReceivedArgs, argValue(a))
	}
	return json.Marshal(ack)
}

// EncodeError encodes a rejection notice sent when a frame is refused before
// it is decoded.
func EncodeError(text string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: errorType, Message: text})
}

// IsReply reports whether data is an acknowledgment or a rejection notice,
// as opposed to a relayed broadcast.
func IsReply(data []byte) bool {
	var doc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	return doc.Type == confirmationType || doc.Type == errorType
}

// DecodeText parses a JSON text frame into a Message.
//
// Elements of "args" that are not objects are skipped. An element without
// "value" becomes Nil. An optional "type" hint coerces the value; unknown
// hints fall back to inference from the JSON value. Acknowledgment documents
// are accepted as well, their bare "received_args" read by inference.
func DecodeText(data []byte) (Message, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	addrKey, argsKey, bare := "address", "args", false
	if _, ok := doc["address"]; !ok && isConfirmation(doc) {
		addrKey, argsKey, bare = "received_address", "received_args", true
	}

	raw, ok := doc[addrKey]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing address", ErrInvalidMessage)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg.Address); err != nil {
		return Message{}, fmt.Errorf("%w: address must be a string", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	raw, ok = doc[argsKey]
	if !ok || isNull(raw) {
		return msg, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Message{}, fmt.Errorf("%w: args must be an array", ErrInvalidMessage)
	}

	for i, elem := range elems {
		var (
			v   Value
			err error
		)
		if bare {
			v, err = decodeBare(elem)
		} else {
			var skip bool
			v, skip, err = decodeArg(elem)
			if skip {
				continue
			}
		}
		if err != nil {
			return Message{}, fmt.Errorf("argument %d: %w", i, err)
		}
		msg.Args = append(msg.Args, v)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func isConfirmation(doc map[string]json.RawMessage) bool {
	var typ string
	if raw, ok := doc["type"]; ok {
		_ = json.Unmarshal(raw, &typ)
	}
	return typ == confirmationType
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeArg(raw json.RawMessage) (Value, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Value{}, true, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Value{}, false, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	rawValue, ok := obj["value"]
	if !ok {
		return Nil(), false, nil
	}
	native, err := unmarshalNative(rawValue)
	if err != nil {
		return Value{}, false, err
	}

	if rawType, ok := obj["type"]; ok {
		var hint string
		if err := json.Unmarshal(rawType, &hint); err == nil {
			if kind, ok := ParseKind(hint); ok {
				v, err := coerce(kind, native)
				return v, false, err
			}
		}
	}
	v, err := infer(native)
	return v, false, err
}

func decodeBare(raw json.RawMessage) (Value, error) {
	native, err := unmarshalNative(raw)
	if err != nil {
		return Value{}, err
	}
	return infer(native)
}

func unmarshalNative(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return v, nil
}

func infer(native any) (Value, error) {
	switch v := native.(type) {
	case nil:
		return Nil(), nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case json.Number:
		if isFloatLiteral(v) {
			f, err := v.Float64()
			if err != nil {
				return Value{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			return toFloat32(f)
		}
		n, err := v.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: integer %s out of range", ErrInvalidMessage, v)
		}
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return Int(int32(n)), nil
		}
		return Int64(n), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported value %T", ErrInvalidMessage, native)
	}
}

// toFloat32 narrows a finite f, refusing values outside the float32 range.
func toFloat32(f float64) (Value, error) {
	narrowed := float32(f)
	if math.IsInf(float64(narrowed), 0) {
		return Value{}, fmt.Errorf("%w: %v overflows a 32-bit float", ErrInvalidMessage, f)
	}
	return Float(narrowed), nil
}

func isFloatLiteral(n json.Number) bool {
	return strings.ContainsAny(n.String(), ".eE")
}

func coerce(kind Kind, native any) (Value, error) {
	if native == nil {
		return Nil(), nil
	}
	mismatch := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: %v is not a valid %s", ErrInvalidMessage, native, kind)
	}

	switch kind {
	case KindInt, KindInt64:
		num, ok := native.(json.Number)
		if !ok {
			return mismatch()
		}
		n, err := integral(num)
		if err != nil {
			return mismatch()
		}
		if kind == KindInt64 {
			return Int64(n), nil
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return Value{}, fmt.Errorf("%w: %d overflows a 32-bit integer", ErrInvalidMessage, n)
		}
		return Int(int32(n)), nil
	case KindFloat, KindDouble:
		var f float64
		switch v := native.(type) {
		case json.Number:
			parsed, err := v.Float64()
			if err != nil {
				return mismatch()
			}
			f = parsed
		case string:
			special, ok := nonFiniteNames[v]
			if !ok {
				return mismatch()
			}
			f = special
		default:
			return mismatch()
		}
		if kind == KindDouble {
			return Double(f), nil
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Float(float32(f)), nil
		}
		return toFloat32(f)
	case KindString:
		s, ok := native.(string)
		if !ok {
			return mismatch()
		}
		return String(s), nil
	case KindBool:
		b, ok := native.(bool)
		if !ok {
			return mismatch()
		}
		return Bool(b), nil
	case KindBlob:
		s, ok := native.(string)
		if !ok {
			return mismatch()
		}
		blob, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: blob is not base64: %v", ErrInvalidMessage, err)
		}
		return Blob(blob), nil
	default:
		return Nil(), nil
	}
}

func integral(num json.Number) (int64, error) {
	if n, err := num.Int64(); err == nil {
		return n, nil
	}
	f, err := num.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%s is not integral", num)
	}
	return int64(f), nil
}
