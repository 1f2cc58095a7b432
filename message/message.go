// Package message defines the envelopes exchanged between client and server.
//
// Every RPC is carried by exactly one Request envelope and answered by exactly
// one Response envelope. The envelope only routes and correlates; the payload
// bytes inside it belong to the payload codec and are never interpreted here.
package message

import (
	"fmt"
	"strconv"
)

// ErrorCode is the server-reported reason for a failed call.
// Values follow the socket-rpc numbering so envelopes stay readable by
// other implementations of the same wire format.
type ErrorCode int32

const (
	BadRequestData      ErrorCode = 0 // Payload decoded but was semantically invalid
	BadRequestProto     ErrorCode = 1 // Payload did not decode against the request prototype
	ServiceNotFound     ErrorCode = 2 // No service registered under the requested name
	MethodNotFound      ErrorCode = 3 // Service has no such method
	RPCError            ErrorCode = 4 // Handler panicked
	RPCFailed           ErrorCode = 5 // Handler reported failure through its Controller
	InvalidRequestProto ErrorCode = 6 // Request envelope itself was unparsable
)

var _codeToString = map[ErrorCode]string{
	BadRequestData:      "BAD_REQUEST_DATA",
	BadRequestProto:     "BAD_REQUEST_PROTO",
	ServiceNotFound:     "SERVICE_NOT_FOUND",
	MethodNotFound:      "METHOD_NOT_FOUND",
	RPCError:            "RPC_ERROR",
	RPCFailed:           "RPC_FAILED",
	InvalidRequestProto: "INVALID_REQUEST_PROTO",
}

// String returns the wire name of the code, e.g. "METHOD_NOT_FOUND".
func (c ErrorCode) String() string {
	if s, ok := _codeToString[c]; ok {
		return s
	}
	return "ErrorCode(" + strconv.Itoa(int(c)) + ")"
}

// Known reports whether c is one of the codes defined above.
func (c ErrorCode) Known() bool {
	_, ok := _codeToString[c]
	return ok
}

// Code returns a pointer to c, for filling optional envelope fields.
func Code(c ErrorCode) *ErrorCode {
	return &c
}

// Request is sent by the client for every call.
type Request struct {
	ID          uint64 // Call id, unique per channel; echoed back as Response.RequestID
	ServiceName string
	MethodName  string
	Payload     []byte // Encoded request message, produced by the payload codec
}

// Response is sent by the server for every request it could read.
//
//   - On success: Payload is set, HasFailed is false, ErrorCode is nil.
//   - On failure: HasFailed is true, ErrorCode and ErrorMessage describe why,
//     Payload is nil.
type Response struct {
	RequestID    uint64
	HasFailed    bool
	Canceled     bool
	ErrorMessage string
	ErrorCode    *ErrorCode // nil unless the server reported an error code
	Payload      []byte     // nil when absent; an empty non-nil slice is a present, empty payload
}

// Failed builds a failure response for the given request id.
func Failed(requestID uint64, code ErrorCode, format string, args ...any) *Response {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Response{
		RequestID:    requestID,
		HasFailed:    true,
		ErrorMessage: msg,
		ErrorCode:    Code(code),
	}
}

func (r *Response) String() string {
	code := "none"
	if r.ErrorCode != nil {
		code = r.ErrorCode.String()
	}
	return fmt.Sprintf("Response[id(%d) failed(%t) canceled(%t) code(%s) error(%q) payload(%d bytes)]",
		r.RequestID, r.HasFailed, r.Canceled, code, r.ErrorMessage, len(r.Payload))
}
