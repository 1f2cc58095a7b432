package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		give *Request
	}{
		{
			name: "payload",
			give: &Request{
				ID:          42,
				ServiceName: "echo.EchoService",
				MethodName:  "Echo",
				Payload:     []byte{0x0a, 0x05, 'h', 'e', 'l', 'l', 'o'},
			},
		},
		{
			name: "empty payload stays present",
			give: &Request{ID: 43, ServiceName: "echo.EchoService", MethodName: "Echo", Payload: []byte{}},
		},
		{
			name: "no payload",
			give: &Request{ID: 44, ServiceName: "echo.EchoService", MethodName: "Ping"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest(EncodeRequest(tt.give))
			require.NoError(t, err)
			assert.Equal(t, tt.give, got)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		give *Response
	}{
		{
			name: "success",
			give: &Response{RequestID: 7, Payload: []byte("hello")},
		},
		{
			name: "empty payload stays present",
			give: &Response{RequestID: 8, Payload: []byte{}},
		},
		{
			name: "server failure",
			give: Failed(9, MethodNotFound, "method %q not found", "DoesNotExist"),
		},
		{
			name: "zero error code is still present",
			give: &Response{RequestID: 10, HasFailed: true, Canceled: true, ErrorCode: Code(BadRequestData)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResponse(EncodeResponse(tt.give))
			require.NoError(t, err)
			assert.Equal(t, tt.give, got)
		})
	}
}

func TestResponseWithoutPayload(t *testing.T) {
	got, err := DecodeResponse(EncodeResponse(&Response{RequestID: 3}))
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
	assert.Nil(t, got.ErrorCode)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest([]byte{0xff})
	assert.Error(t, err)

	// field 1 announced as length-delimited, but the id is a varint
	_, err = DecodeRequest([]byte{0x0a, 0x01, 0x01})
	assert.ErrorIs(t, err, ErrWireType)

	_, err = DecodeResponse([]byte{0x32, 0x10, 'x'})
	assert.Error(t, err)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := EncodeRequest(&Request{ID: 1, MethodName: "Echo"})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from a newer peer")

	got, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ID)
	assert.Equal(t, "Echo", got.MethodName)
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "METHOD_NOT_FOUND", MethodNotFound.String())
	assert.Equal(t, "INVALID_REQUEST_PROTO", InvalidRequestProto.String())
	assert.Equal(t, "ErrorCode(42)", ErrorCode(42).String())
	assert.False(t, ErrorCode(42).Known())
	assert.True(t, RPCFailed.Known())
}
