// Package protocol implements the binary frame that carries one envelope.
//
// A duplex stream has no message boundaries of its own, so every envelope is
// preceded by a fixed-size 10-byte header announcing its length. The receiver
// reads the header first, then exactly that many body bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ prp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// The call id is not part of the frame: it lives in the envelope, so a frame
// can be routed by anybody holding the bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "prp" (protobuf rpc protocol).
// Rejects peers that are not speaking this protocol (e.g., an HTTP client hitting the wrong port).
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodySize bounds a single envelope; larger frames are treated as corruption.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server request envelope
	MsgTypeResponse  MsgType = 1 // Server → Client response envelope
	MsgTypeHeartbeat MsgType = 2 // Keepalive probe (no body)
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeProto byte = 0
	CodecTypeJSON  byte = 1
)

var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic number")
	ErrVersion         = errors.New("protocol: unsupported version")
	ErrCodecType       = errors.New("protocol: unsupported codec type")
	ErrMsgType         = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge    = errors.New("protocol: body exceeds maximum size")
	ErrBodyLenMismatch = errors.New("protocol: header body length does not match body")
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Payload codec of the envelope inside: 0=proto, 1=JSON
	MsgType   MsgType // Request, Response, or Heartbeat
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// Frames from different goroutines must never interleave on one writer; the
// caller owns the single-writer discipline.
func Encode(w io.Writer, h *Header, body []byte) error {
	if h.BodyLen != uint32(len(body)) {
		return ErrBodyLenMismatch
	}
	if h.BodyLen > MaxBodySize {
		return ErrBodyTooLarge
	}

	var buf [HeaderSize]byte
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	// Heartbeat frames have no body
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and size.
func Decode(r io.Reader) (*Header, []byte, error) {
	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrVersion, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeProto && headerBuf[4] != CodecTypeJSON {
		return nil, nil, fmt.Errorf("%w: %d", ErrCodecType, headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: %d", ErrMsgType, msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
