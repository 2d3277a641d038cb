package graphsync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame is one named message on the stream. Payload holds the codec-encoded
// body and is decoded lazily by whoever understands Type.
type Frame struct {
	Type    string
	Payload []byte
}

// Codec encodes frames and payloads for the wire.
type Codec interface {
	Name() string
	// Binary reports whether frames should be sent as binary messages.
	Binary() bool
	EncodeFrame(f Frame) ([]byte, error)
	DecodeFrame(data []byte) (Frame, error)
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewFrame marshals payload with codec into a frame of the given type.
func NewFrame(codec Codec, typ string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: typ}, nil
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Frame{Type: typ, Payload: data}, nil
}

// ============================================================================
// JSON
// ============================================================================

type jsonEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonCodec struct{}

// JSONCodec sends text frames shaped {"type": ..., "payload": {...}}.
func JSONCodec() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(jsonEnvelope{Type: f.Type, Payload: f.Payload})
}

func (jsonCodec) DecodeFrame(data []byte) (Frame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: json: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("%w: json: missing type", ErrMalformedFrame)
	}
	return Frame{Type: env.Type, Payload: env.Payload}, nil
}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// ============================================================================
// MessagePack
// ============================================================================

type msgpackEnvelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

type msgpackCodec struct{}

// MsgpackCodec sends binary MessagePack frames. Struct fields use their json
// tags so the same types serve both codecs.
func MsgpackCodec() Codec { return msgpackCodec{} }

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) EncodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(msgpackEnvelope{Type: f.Type, Payload: f.Payload})
}

func (msgpackCodec) DecodeFrame(data []byte) (Frame, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: msgpack: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("%w: msgpack: missing type", ErrMalformedFrame)
	}
	return Frame{Type: env.Type, Payload: env.Payload}, nil
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// CodecByName resolves "json" or "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec(), nil
	case "msgpack":
		return MsgpackCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
