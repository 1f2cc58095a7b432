package message

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelopes on the wire.
//
//	Request:  1 id | 2 service_name | 3 method_name | 4 payload
//	Response: 1 request_id | 2 has_failed | 3 canceled | 4 error_message | 5 error_code | 6 payload
const (
	fieldRequestID      protowire.Number = 1
	fieldRequestService protowire.Number = 2
	fieldRequestMethod  protowire.Number = 3
	fieldRequestPayload protowire.Number = 4

	fieldResponseID       protowire.Number = 1
	fieldResponseFailed   protowire.Number = 2
	fieldResponseCanceled protowire.Number = 3
	fieldResponseMessage  protowire.Number = 4
	fieldResponseCode     protowire.Number = 5
	fieldResponsePayload  protowire.Number = 6
)

var ErrWireType = errors.New("message: unexpected wire type")

// EncodeRequest serializes a Request envelope.
// Zero-valued scalar fields are omitted, as in proto3. Payload is written
// whenever it is non-nil, so an empty payload stays present.
func EncodeRequest(req *Request) []byte {
	size := 3*protowire.SizeTag(1) + protowire.SizeVarint(req.ID) +
		protowire.SizeBytes(len(req.ServiceName)) + protowire.SizeBytes(len(req.MethodName)) +
		protowire.SizeBytes(len(req.Payload)) + protowire.SizeTag(1)
	b := make([]byte, 0, size)

	if req.ID != 0 {
		b = protowire.AppendTag(b, fieldRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, req.ID)
	}
	if req.ServiceName != "" {
		b = protowire.AppendTag(b, fieldRequestService, protowire.BytesType)
		b = protowire.AppendString(b, req.ServiceName)
	}
	if req.MethodName != "" {
		b = protowire.AppendTag(b, fieldRequestMethod, protowire.BytesType)
		b = protowire.AppendString(b, req.MethodName)
	}
	if req.Payload != nil {
		b = protowire.AppendTag(b, fieldRequestPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Payload)
	}
	return b
}

// DecodeRequest parses a Request envelope. Unknown fields are skipped.
func DecodeRequest(data []byte) (*Request, error) {
	req := &Request{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("message: request tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldRequestID:
			v, m, err := consumeVarint(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: request id: %w", err)
			}
			req.ID = v
			n = m
		case fieldRequestService:
			v, m, err := consumeBytes(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: service name: %w", err)
			}
			req.ServiceName = string(v)
			n = m
		case fieldRequestMethod:
			v, m, err := consumeBytes(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: method name: %w", err)
			}
			req.MethodName = string(v)
			n = m
		case fieldRequestPayload:
			v, m, err := consumeBytes(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: request payload: %w", err)
			}
			req.Payload = append([]byte{}, v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("message: request field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return req, nil
}

// EncodeResponse serializes a Response envelope. ErrorCode and Payload are
// written whenever they are non-nil, so presence survives the round trip.
func EncodeResponse(resp *Response) []byte {
	b := make([]byte, 0, 32+len(resp.ErrorMessage)+len(resp.Payload))

	if resp.RequestID != 0 {
		b = protowire.AppendTag(b, fieldResponseID, protowire.VarintType)
		b = protowire.AppendVarint(b, resp.RequestID)
	}
	if resp.HasFailed {
		b = protowire.AppendTag(b, fieldResponseFailed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if resp.Canceled {
		b = protowire.AppendTag(b, fieldResponseCanceled, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if resp.ErrorMessage != "" {
		b = protowire.AppendTag(b, fieldResponseMessage, protowire.BytesType)
		b = protowire.AppendString(b, resp.ErrorMessage)
	}
	if resp.ErrorCode != nil {
		b = protowire.AppendTag(b, fieldResponseCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(*resp.ErrorCode)))
	}
	if resp.Payload != nil {
		b = protowire.AppendTag(b, fieldResponsePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Payload)
	}
	return b
}

// DecodeResponse parses a Response envelope. Unknown fields are skipped.
func DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("message: response tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldResponseID:
			v, m, err := consumeVarint(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: request id: %w", err)
			}
			resp.RequestID = v
			n = m
		case fieldResponseFailed, fieldResponseCanceled:
			v, m, err := consumeVarint(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: response flag %d: %w", num, err)
			}
			if num == fieldResponseFailed {
				resp.HasFailed = protowire.DecodeBool(v)
			} else {
				resp.Canceled = protowire.DecodeBool(v)
			}
			n = m
		case fieldResponseMessage:
			v, m, err := consumeBytes(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: error message: %w", err)
			}
			resp.ErrorMessage = string(v)
			n = m
		case fieldResponseCode:
			v, m, err := consumeVarint(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: error code: %w", err)
			}
			resp.ErrorCode = Code(ErrorCode(int32(v)))
			n = m
		case fieldResponsePayload:
			v, m, err := consumeBytes(typ, data)
			if err != nil {
				return nil, fmt.Errorf("message: response payload: %w", err)
			}
			resp.Payload = append([]byte{}, v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("message: response field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return resp, nil
}

func consumeVarint(typ protowire.Type, data []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, ErrWireType
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, data []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrWireType
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
