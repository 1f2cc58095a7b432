// Package rpcerrors is the error taxonomy of a finished call.
//
// A failed call has exactly one of two origins. Client-side failures
// (timeout, closed channel, unreadable response) carry no server code; server
// failures always do. FromController turns a finished Controller into a
// single *Error whose Kind tells the two apart.
package rpcerrors

import (
	"errors"
	"fmt"
	"strconv"

	"protorpc/controller"
	"protorpc/message"
)

// Kind identifies a class of call failure.
type Kind int

const (
	// KindUnknown is a failure that could not be classified: a server code
	// this client does not know, or a failed controller with no detail.
	KindUnknown Kind = iota

	// Client/transport origin.
	KindTimeout
	KindChannelClosed
	KindInvalidResponse

	// Server origin.
	KindInvalidRequestEnvelope
	KindMethodNotFound
	KindServiceNotFound
	KindBadRequestPayload
	KindBadRequestData
	KindRPCFailed
	KindRPCError
)

var _kindToString = map[Kind]string{
	KindUnknown:                "unknown",
	KindTimeout:                "timeout",
	KindChannelClosed:          "channel-closed",
	KindInvalidResponse:        "invalid-response",
	KindInvalidRequestEnvelope: "invalid-request-envelope",
	KindMethodNotFound:         "method-not-found",
	KindServiceNotFound:        "service-not-found",
	KindBadRequestPayload:      "bad-request-payload",
	KindBadRequestData:         "bad-request-data",
	KindRPCFailed:              "rpc-failed",
	KindRPCError:               "rpc-error",
}

func (k Kind) String() string {
	if s, ok := _kindToString[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// ServerOrigin reports whether k can only be produced by a server error code.
func (k Kind) ServerOrigin() bool {
	return k >= KindInvalidRequestEnvelope
}

var (
	_codeToKind = map[message.ErrorCode]Kind{
		message.InvalidRequestProto: KindInvalidRequestEnvelope,
		message.MethodNotFound:      KindMethodNotFound,
		message.ServiceNotFound:     KindServiceNotFound,
		message.BadRequestProto:     KindBadRequestPayload,
		message.BadRequestData:      KindBadRequestData,
		message.RPCFailed:           KindRPCFailed,
		message.RPCError:            KindRPCError,
	}
	_kindToCode = map[Kind]message.ErrorCode{
		KindInvalidRequestEnvelope: message.InvalidRequestProto,
		KindMethodNotFound:         message.MethodNotFound,
		KindServiceNotFound:        message.ServiceNotFound,
		KindBadRequestPayload:      message.BadRequestProto,
		KindBadRequestData:         message.BadRequestData,
		KindRPCFailed:              message.RPCFailed,
		KindRPCError:               message.RPCError,
	}
	_signalToKind = map[controller.Signal]Kind{
		controller.SignalTimeout:         KindTimeout,
		controller.SignalChannelClosed:   KindChannelClosed,
		controller.SignalInvalidResponse: KindInvalidResponse,
	}
)

// KindForCode maps a wire error code to its kind; unknown codes map to KindUnknown.
func KindForCode(code message.ErrorCode) Kind {
	if k, ok := _codeToKind[code]; ok {
		return k
	}
	return KindUnknown
}

// CodeForKind returns the wire code of a server-origin kind.
func CodeForKind(k Kind) (message.ErrorCode, bool) {
	code, ok := _kindToCode[k]
	return code, ok
}

// Error is a classified call failure.
type Error struct {
	kind    Kind
	message string
	code    *message.ErrorCode
}

// Newf returns an Error of the given kind. Server-origin kinds get their
// wire code attached.
func Newf(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e := &Error{kind: kind, message: msg}
	if code, ok := CodeForKind(kind); ok {
		e.code = message.Code(code)
	}
	return e
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Code returns the server error code, or nil for client-origin errors.
func (e *Error) Code() *message.ErrorCode {
	if e == nil || e.code == nil {
		return nil
	}
	return message.Code(*e.code)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.message == "" {
		return "rpc: " + e.kind.String()
	}
	return "rpc: " + e.kind.String() + ": " + e.message
}

// Is lets errors.Is match on kind: errors.Is(err, rpcerrors.Newf(KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.kind == e.kind
}

// FromController derives the taxonomy error of a finished call. It returns
// nil for a controller that is ok, and otherwise prefers the server code,
// then the client signal, then KindUnknown.
func FromController(c *controller.Controller) error {
	snap := c.Snapshot()
	if !snap.Failed && !snap.Canceled {
		return nil
	}

	if snap.ErrorCode != nil {
		return &Error{
			kind:    KindForCode(*snap.ErrorCode),
			message: snap.ErrorMessage,
			code:    snap.ErrorCode,
		}
	}
	if kind, ok := _signalToKind[snap.Signal]; ok {
		return &Error{kind: kind, message: snap.ErrorMessage}
	}
	if snap.ErrorMessage != "" {
		return &Error{kind: KindUnknown, message: snap.ErrorMessage}
	}
	return &Error{kind: KindUnknown, message: "unknown error"}
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == kind
}
