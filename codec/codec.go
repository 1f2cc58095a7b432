// Package codec is the boundary to the payload message codec.
//
// The runtime never interprets payload bytes itself: requests are encoded with
// Encode on the way out, and responses are decoded against a prototype, i.e.
// an instance of the expected message type used only for its type.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type CodecType byte

const (
	CodecTypeProto CodecType = 0
	CodecTypeJSON  CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeProto:
		return "proto"
	case CodecTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("CodecType(%d)", byte(t))
	}
}

type Codec interface {
	Encode(m proto.Message) ([]byte, error)
	// Decode parses data into a fresh message of the prototype's type.
	// The prototype itself is never modified.
	Decode(data []byte, prototype proto.Message) (proto.Message, error)
	Type() CodecType // 0=proto, 1=JSON
}

var (
	_protoCodec Codec = &ProtoCodec{}
	_jsonCodec  Codec = &JSONCodec{}
)

// Get returns the codec registered for codecType.
func Get(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeProto:
		return _protoCodec, nil
	case CodecTypeJSON:
		return _jsonCodec, nil
	}
	return nil, fmt.Errorf("codec: unknown codec type %d", byte(codecType))
}

func newFrom(prototype proto.Message) (proto.Message, error) {
	if prototype == nil {
		return nil, fmt.Errorf("codec: nil prototype")
	}
	return prototype.ProtoReflect().New().Interface(), nil
}
