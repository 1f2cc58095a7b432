package codec

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONCodec encodes payloads with the canonical protobuf JSON mapping.
// Pros: human-readable, easy to debug with a packet capture.
// Cons: slower and larger than the binary format.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m proto.Message) ([]byte, error) {
	return protojson.Marshal(m)
}

func (c *JSONCodec) Decode(data []byte, prototype proto.Message) (proto.Message, error) {
	m, err := newFrom(prototype)
	if err != nil {
		return nil, err
	}
	if err := protojson.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
