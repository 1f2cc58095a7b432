package server

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"protorpc/protocol"
	"protorpc/transport"
)

// connOutSize is how many replies may wait for a connection's writer.
const connOutSize = 64

type outFrame struct {
	codecType byte
	body      []byte
	sent      func() // runs once the frame is flushed or dropped
}

func (f outFrame) settle() {
	if f.sent != nil {
		f.sent()
	}
}

// conn is one accepted connection: a reader goroutine feeding the
// distribution queue and a writer goroutine draining out.
type conn struct {
	id     uint64
	link   *transport.Link
	out    chan outFrame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	finished bool // the writer has exited; guarded by mu
}

func newConn(id uint64, link *transport.Link) *conn {
	return &conn{
		id:     id,
		link:   link,
		out:    make(chan outFrame, connOutSize),
		closed: make(chan struct{}),
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.link.Close()
	})
}

// enqueue hands f to the writer. It returns false, without settling f, if
// the writer has exited or the connection closes first.
func (c *conn) enqueue(f outFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	select {
	case c.out <- f:
		return true
	case <-c.closed:
		return false
	}
}

// finish marks the writer gone and settles every frame it will never write.
func (c *conn) finish(batch []outFrame) {
	c.mu.Lock()
	c.finished = true
	for {
		select {
		case f := <-c.out:
			batch = append(batch, f)
			continue
		default:
		}
		break
	}
	c.mu.Unlock()

	for _, f := range batch {
		f.settle()
	}
}

// writeLoop is the only writer of the connection. Replies that queue up
// while a write is in progress share one flush, and each is settled once
// that flush returns.
func (c *conn) writeLoop(logger *zap.Logger) {
	var batch []outFrame
	for {
		select {
		case <-c.closed:
			c.finish(nil)
			return
		case f := <-c.out:
			batch = batch[:0]
			for {
				err := c.link.WriteFrame(f.codecType, protocol.MsgTypeResponse, f.body)
				switch {
				case errors.Is(err, protocol.ErrBodyTooLarge):
					// Refused before anything was written.
					logger.Warn("reply not sent", zap.Uint64("conn", c.id), zap.Error(err))
					f.settle()
				case err != nil:
					logger.Debug("write reply", zap.Uint64("conn", c.id), zap.Error(err))
					c.close()
					c.finish(append(batch, f))
					return
				default:
					batch = append(batch, f)
				}
				select {
				case f = <-c.out:
					continue
				default:
				}
				break
			}
			err := c.link.Flush()
			if err != nil {
				logger.Debug("flush replies", zap.Uint64("conn", c.id), zap.Error(err))
				c.close()
				c.finish(batch)
				return
			}
			for _, f := range batch {
				f.settle()
			}
		}
	}
}

// router is the shared reply path: workers address replies by connection id
// and never hold a connection themselves.
type router struct {
	mu    sync.RWMutex
	conns map[uint64]*conn
}

func newRouter() *router {
	return &router{conns: make(map[uint64]*conn)}
}

func (r *router) add(c *conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *router) remove(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// send queues a reply for connection id. It returns false if that
// connection is gone, in which case sent is not called; otherwise sent runs
// exactly once, after the reply is flushed or dropped with the connection.
func (r *router) send(id uint64, codecType byte, body []byte, sent func()) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(outFrame{codecType: codecType, body: body, sent: sent})
}

func (r *router) all() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *router) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
