package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecs(t *testing.T) {
	for _, codecType := range []CodecType{CodecTypeProto, CodecTypeJSON} {
		t.Run(codecType.String(), func(t *testing.T) {
			c, err := Get(codecType)
			require.NoError(t, err)
			assert.Equal(t, codecType, c.Type())

			data, err := c.Encode(wrapperspb.String("hello"))
			require.NoError(t, err)

			prototype := &wrapperspb.StringValue{}
			got, err := c.Decode(data, prototype)
			require.NoError(t, err)
			assert.Equal(t, "hello", got.(*wrapperspb.StringValue).GetValue())
			assert.Empty(t, prototype.GetValue(), "prototype must not be filled in")
		})
	}
}

func TestCodecStructRoundTrip(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"a": 1.0, "b": "two"})
	require.NoError(t, err)

	for _, c := range []Codec{&ProtoCodec{}, &JSONCodec{}} {
		data, err := c.Encode(in)
		require.NoError(t, err)

		out, err := c.Decode(data, &structpb.Struct{})
		require.NoError(t, err)
		assert.True(t, proto.Equal(in, out), "codec %v", c.Type())
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := (&ProtoCodec{}).Decode([]byte{0xff}, &wrapperspb.StringValue{})
	assert.Error(t, err)

	_, err = (&JSONCodec{}).Decode([]byte("{not json"), &wrapperspb.StringValue{})
	assert.Error(t, err)
}

func TestDecodeNilPrototype(t *testing.T) {
	_, err := (&ProtoCodec{}).Decode(nil, nil)
	assert.Error(t, err)
}

func TestGetUnknown(t *testing.T) {
	_, err := Get(CodecType(9))
	assert.Error(t, err)
}
