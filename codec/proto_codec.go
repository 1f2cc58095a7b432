package codec

import (
	"google.golang.org/protobuf/proto"
)

// ProtoCodec uses the protobuf binary wire format.
// This is the default: compact, and what other socket-rpc implementations speak.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

func (c *ProtoCodec) Decode(data []byte, prototype proto.Message) (proto.Message, error) {
	m, err := newFrom(prototype)
	if err != nil {
		return nil, err
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
