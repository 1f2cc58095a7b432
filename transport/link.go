package transport

import (
	"bufio"
	"net"
	"sync"

	"protorpc/protocol"
)

const bufferSize = 32 << 10

// Link is one framed physical connection.
//
// A stream must be read sequentially to keep frame boundaries, and frames
// from two writers would interleave and corrupt it. Link therefore has no
// locking of its own: the owner guarantees one reading goroutine and one
// writing goroutine.
type Link struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

func NewLink(conn net.Conn) *Link {
	return &Link{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufferSize),
		w:    bufio.NewWriterSize(conn, bufferSize),
	}
}

// ReadFrame blocks until one whole frame has arrived.
func (l *Link) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(l.r)
}

// WriteFrame buffers one frame; it reaches the peer on Flush or once the
// buffer fills up.
func (l *Link) WriteFrame(codecType byte, msgType protocol.MsgType, body []byte) error {
	return protocol.Encode(l.w, &protocol.Header{
		CodecType: codecType,
		MsgType:   msgType,
		BodyLen:   uint32(len(body)),
	}, body)
}

func (l *Link) Flush() error {
	return l.w.Flush()
}

// Close closes the connection, which also unblocks a pending ReadFrame.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }
func (l *Link) LocalAddr() net.Addr  { return l.conn.LocalAddr() }
