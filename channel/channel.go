// Package channel implements the client side of the protocol: a Channel
// multiplexes any number of concurrent calls over one logical connection.
//
// A Channel may hold several physical links (one per endpoint) and runs:
//
//	CallMethod ──► outbound queue ──► send loop ──► link 1..N ──► server
//	                                                   │
//	callback ◄── dispatch pool ◄── receive loop (one per link)
//
// Every accepted call sits in the correlation table until exactly one of
// {response, timeout, close} takes it out. Only the taker completes the
// controller and runs the callback, so a late response for a timed-out call
// is simply an unknown id.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"protorpc/codec"
	"protorpc/controller"
	"protorpc/loadbalance"
	"protorpc/message"
	"protorpc/protocol"
	"protorpc/registry"
	"protorpc/transport"
)

var (
	ErrNoEndpoints = errors.New("channel: no endpoints")
	ErrClosed      = errors.New("channel: closed")
)

// outbound is an encoded request envelope waiting for the send loop.
type outbound struct {
	id      uint64
	service string // placement key for keyed balancers
	body    []byte
}

// delivery is a response matched to its call, on its way to a dispatch worker.
type delivery struct {
	call      *pendingCall
	codecType codec.CodecType
	response  *message.Response
}

type metrics struct {
	calls            tally.Counter
	timeouts         tally.Counter
	closed           tally.Counter
	invalidResponses tally.Counter
	unknownIDs       tally.Counter
	latency          tally.Timer
}

func newMetrics(scope tally.Scope) *metrics {
	return &metrics{
		calls:            scope.Counter("calls"),
		timeouts:         scope.Counter("timeouts"),
		closed:           scope.Counter("closed"),
		invalidResponses: scope.Counter("invalid_responses"),
		unknownIDs:       scope.Counter("unknown_ids"),
		latency:          scope.Timer("latency"),
	}
}

// Channel is safe for concurrent use.
type Channel struct {
	opts    options
	logger  *zap.Logger
	metrics *metrics

	links     []*transport.Link
	instances []registry.ServiceInstance // parallel to links, input to the balancer

	nextID   atomic.Uint64
	pending  *pendingTable
	queue    chan *outbound
	dispatch chan *delivery

	closed  atomic.Bool
	closing chan struct{} // closed when Close starts
	drained chan struct{} // closed when Close has finished
	loops   errgroup.Group
	workers sync.WaitGroup
}

// New dials one link per endpoint and starts the channel's loops.
// If any dial fails, the links dialed so far are closed again.
func New(endpoints []string, opts ...Option) (*Channel, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conns := make([]net.Conn, 0, len(endpoints))
	for _, ep := range endpoints {
		conn, err := transport.Dial(context.Background(), ep, o.dialTimeout)
		if err != nil {
			for _, c := range conns {
				err = multierr.Append(err, c.Close())
			}
			return nil, err
		}
		conns = append(conns, conn)
	}
	return newChannel(conns, endpoints, o), nil
}

// newChannel takes ownership of conns, one per endpoint.
func newChannel(conns []net.Conn, endpoints []string, o options) *Channel {
	c := &Channel{
		opts:     o,
		logger:   o.logger,
		metrics:  newMetrics(o.scope),
		queue:    make(chan *outbound, o.queueSize),
		dispatch: make(chan *delivery, o.queueSize),
		closing:  make(chan struct{}),
		drained:  make(chan struct{}),
	}
	c.pending = newPendingTable(c.expire)

	for i, conn := range conns {
		c.links = append(c.links, transport.NewLink(conn))
		c.instances = append(c.instances, registry.ServiceInstance{Addr: endpoints[i], Weight: 1})
	}

	for i := 0; i < o.dispatchWorkers; i++ {
		c.workers.Add(1)
		go c.dispatchLoop()
	}
	c.loops.Go(c.sendLoop)
	for _, link := range c.links {
		link := link
		c.loops.Go(func() error { return c.receiveLoop(link) })
	}

	c.logger.Debug("channel open",
		zap.Strings("endpoints", endpoints),
		zap.String("balancer", o.balancer.Name()))
	return c
}

// CallMethod starts a call of service.method and returns without waiting for
// the result. done is invoked exactly once with the decoded response, or with
// nil when the call failed; ctrl holds the outcome either way.
//
// ctrl must be fresh: a controller already used for a call is refused. When
// ctrl.Timeout() > 0, the call fails with controller.SignalTimeout if no
// response arrived in time. If the outbound queue is full, CallMethod blocks
// until there is room, the call times out, the channel closes, or ctx is
// done; the latter two fail the call with controller.SignalChannelClosed.
// A request whose envelope exceeds protocol.MaxBodySize fails on its own
// without being sent.
//
// done runs on a channel goroutine, or on the calling goroutine when the call
// is refused up front. It must not call Close.
func (c *Channel) CallMethod(
	ctx context.Context,
	service, method string,
	request, responsePrototype proto.Message,
	ctrl *controller.Controller,
	done func(proto.Message),
) {
	if c.closed.Load() {
		c.metrics.closed.Inc(1)
		ctrl.Cancel(controller.SignalChannelClosed)
		done(nil)
		return
	}
	if !ctrl.Start() {
		c.logger.Error("controller reused for a second call",
			zap.String("service", service),
			zap.String("method", method))
		done(nil)
		return
	}

	payload, err := c.opts.codec.Encode(request)
	if err != nil {
		ctrl.SetFailed(fmt.Sprintf("encode request: %v", err))
		done(nil)
		return
	}

	id := c.nextID.Inc()
	body := message.EncodeRequest(&message.Request{
		ID:          id,
		ServiceName: service,
		MethodName:  method,
		Payload:     payload,
	})
	if len(body) > int(protocol.MaxBodySize) {
		ctrl.SetFailed(fmt.Sprintf("request too large: %d bytes, limit is %d", len(body), protocol.MaxBodySize))
		done(nil)
		return
	}

	call := &pendingCall{
		id:        id,
		ctrl:      ctrl,
		done:      done,
		prototype: responsePrototype,
		started:   time.Now(),
	}
	if !c.pending.Put(call, ctrl.Timeout()) {
		c.metrics.closed.Inc(1)
		ctrl.Cancel(controller.SignalChannelClosed)
		done(nil)
		return
	}
	c.metrics.calls.Inc(1)

	out := &outbound{id: id, service: service, body: body}
	select {
	case c.queue <- out:
		return
	default:
	}
	select {
	case c.queue <- out:
	case <-call.taken:
		// Timed out while waiting for room; nothing left to send.
	case <-c.closing:
		c.abandon(id)
	case <-ctx.Done():
		c.abandon(id)
	}
}

// abandon completes a call that never made it onto the queue, unless a
// timeout or close got to it first.
func (c *Channel) abandon(id uint64) {
	if call := c.pending.Take(id); call != nil {
		c.cancel(call)
	}
}

func (c *Channel) cancel(call *pendingCall) {
	c.metrics.closed.Inc(1)
	call.ctrl.Cancel(controller.SignalChannelClosed)
	c.invoke(call, nil)
}

// expire runs in the timer goroutine of a call whose timeout won the race.
func (c *Channel) expire(call *pendingCall) {
	c.metrics.timeouts.Inc(1)
	c.logger.Debug("call timed out",
		zap.Uint64("id", call.id),
		zap.Duration("timeout", call.ctrl.Timeout()))
	call.ctrl.Fail(controller.SignalTimeout, "")
	c.invoke(call, nil)
}

// invoke runs the completion callback. A panicking callback is logged and
// must not take a channel goroutine down with it.
func (c *Channel) invoke(call *pendingCall, result proto.Message) {
	c.metrics.latency.Record(time.Since(call.started))
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("completion callback panicked",
				zap.Uint64("id", call.id),
				zap.Any("panic", r))
		}
	}()
	call.done(result)
}

// sendLoop is the only writer of every link. It writes whatever is queued,
// then flushes each link it touched, so a burst of calls costs one flush.
func (c *Channel) sendLoop() error {
	var heartbeat <-chan time.Time
	if c.opts.heartbeat > 0 {
		ticker := time.NewTicker(c.opts.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	touched := make([]bool, len(c.links))
	codecType := byte(c.opts.codec.Type())

	for {
		select {
		case <-c.closing:
			return nil

		case out := <-c.queue:
			for n := 0; ; n++ {
				i, err := c.pick(out)
				if err != nil {
					return c.linkFailed(err)
				}
				err = c.links[i].WriteFrame(codecType, protocol.MsgTypeRequest, out.body)
				switch {
				case errors.Is(err, protocol.ErrBodyTooLarge):
					// Refused before anything was written: the link is intact.
					c.reject(out.id, err)
				case err != nil:
					return c.linkFailed(fmt.Errorf("write request %d to %s: %w", out.id, c.instances[i].Addr, err))
				default:
					touched[i] = true
				}

				if n+1 >= maxBatch {
					break
				}
				select {
				case out = <-c.queue:
					continue
				default:
				}
				break
			}
			for i, t := range touched {
				if !t {
					continue
				}
				touched[i] = false
				if err := c.links[i].Flush(); err != nil {
					return c.linkFailed(fmt.Errorf("flush %s: %w", c.instances[i].Addr, err))
				}
			}

		case <-heartbeat:
			for i, link := range c.links {
				err := link.WriteFrame(codecType, protocol.MsgTypeHeartbeat, nil)
				if err == nil {
					err = link.Flush()
				}
				if err != nil {
					return c.linkFailed(fmt.Errorf("heartbeat %s: %w", c.instances[i].Addr, err))
				}
			}
		}
	}
}

// reject fails one call whose envelope could not be framed.
func (c *Channel) reject(id uint64, err error) {
	call := c.pending.Take(id)
	if call == nil {
		return
	}
	c.logger.Warn("request not sent", zap.Uint64("id", id), zap.Error(err))
	call.ctrl.SetFailed(fmt.Sprintf("request not sent: %v", err))
	c.invoke(call, nil)
}

func (c *Channel) pick(out *outbound) (int, error) {
	if kb, ok := c.opts.balancer.(loadbalance.KeyedBalancer); ok {
		return kb.PickKey(out.service, c.instances)
	}
	return c.opts.balancer.Pick(c.instances)
}

// receiveLoop is the only reader of link. It correlates each response with
// its call and hands it to the dispatch pool, so slow callbacks never hold up
// demultiplexing.
func (c *Channel) receiveLoop(link *transport.Link) error {
	for {
		header, body, err := link.ReadFrame()
		if err != nil {
			return c.linkFailed(fmt.Errorf("read from %s: %w", link.RemoteAddr(), err))
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeResponse:
		default:
			c.logger.Warn("dropping unexpected frame",
				zap.Stringer("remote", link.RemoteAddr()),
				zap.Uint8("msgType", uint8(header.MsgType)))
			continue
		}

		resp, err := message.DecodeResponse(body)
		if err != nil {
			c.logger.Warn("dropping undecodable response envelope",
				zap.Stringer("remote", link.RemoteAddr()),
				zap.Error(err))
			continue
		}

		call := c.pending.Take(resp.RequestID)
		if call == nil {
			// Already timed out, or never ours.
			c.metrics.unknownIDs.Inc(1)
			c.logger.Info("dropping response for unknown request id",
				zap.Uint64("id", resp.RequestID))
			continue
		}

		d := &delivery{call: call, codecType: codec.CodecType(header.CodecType), response: resp}
		select {
		case c.dispatch <- d:
		case <-c.closing:
			c.cancel(call)
			return nil
		}
	}
}

// linkFailed turns a link error into a channel close. Errors caused by the
// channel closing its own links are not failures.
func (c *Channel) linkFailed(err error) error {
	if c.closed.Load() {
		return nil
	}
	c.logger.Warn("link lost, closing channel", zap.Error(err))
	go c.Close()
	return err
}

func (c *Channel) dispatchLoop() {
	defer c.workers.Done()
	for d := range c.dispatch {
		c.deliver(d)
	}
}

// deliver completes a call with the response the server sent for it.
// A success without a payload, or with one that does not decode, is an
// invalid response.
func (c *Channel) deliver(d *delivery) {
	call, resp := d.call, d.response

	var result proto.Message
	if !resp.HasFailed && !resp.Canceled && resp.ErrorCode == nil {
		m, err := c.decodePayload(d)
		if err != nil {
			c.metrics.invalidResponses.Inc(1)
			c.logger.Debug("invalid response",
				zap.Uint64("id", call.id),
				zap.Error(err))
			call.ctrl.Fail(controller.SignalInvalidResponse, err.Error())
			c.invoke(call, nil)
			return
		}
		result = m
	}

	if !call.ctrl.ReadFrom(resp) {
		// The caller finished the controller on its own in the meantime.
		result = nil
	}
	c.invoke(call, result)
}

func (c *Channel) decodePayload(d *delivery) (proto.Message, error) {
	if d.response.Payload == nil {
		return nil, errors.New("response has no payload")
	}
	cdc, err := codec.Get(d.codecType)
	if err != nil {
		return nil, err
	}
	m, err := cdc.Decode(d.response.Payload, d.call.prototype)
	if err != nil {
		return nil, fmt.Errorf("decode response payload: %w", err)
	}
	return m, nil
}

// Close closes the channel. Every call still pending is failed with
// controller.SignalChannelClosed and its callback has run by the time Close
// returns; so have the callbacks of responses that were already received.
//
// Only the first call does the work and reports its error; later calls
// wait for it to finish and return nil.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		<-c.drained
		return nil
	}
	defer close(c.drained)
	close(c.closing)

	var err error
	for _, link := range c.links {
		err = multierr.Append(err, link.Close())
	}
	// Loops stopped by the close above report nil; anything else is the
	// failure that caused the close.
	err = multierr.Append(err, c.loops.Wait())

	canceled := c.pending.Close()
	for _, call := range canceled {
		c.cancel(call)
	}

	close(c.dispatch)
	c.workers.Wait()

	c.logger.Debug("channel closed", zap.Int("canceled", len(canceled)))
	return err
}

// Pending returns the number of calls awaiting completion.
func (c *Channel) Pending() int {
	return c.pending.Len()
}

func (c *Channel) Closed() bool {
	return c.closed.Load()
}
