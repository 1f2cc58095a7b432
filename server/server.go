// Package server implements the RPC server as a request broker: an acceptor
// reads requests from every connection onto one distribution queue, a fixed
// pool of workers handles them, and replies travel back through a router
// addressed by connection id.
//
// Request processing pipeline:
//
//	Accept conn → reader goroutine (one per conn) → distribution queue
//	  → worker: decode envelope → middleware chain → service handler
//	    → reply → router[conn id] → writer goroutine (one per conn)
//
// A worker handles one request at a time. A handler may reply after it has
// returned, from any goroutine; the worker is free as soon as it returns.
package server

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
	"google.golang.org/protobuf/proto"

	"protorpc/codec"
	"protorpc/controller"
	"protorpc/message"
	"protorpc/middleware"
	"protorpc/protocol"
	"protorpc/registry"
	"protorpc/transport"
)

var (
	ErrServerClosed   = errors.New("server: closed")
	ErrAlreadyServing = errors.New("server: already serving")
)

// inbound is one request frame together with the connection it came from.
type inbound struct {
	route     uint64 // connection id, for the reply
	codecType byte
	body      []byte
}

type metrics struct {
	scope    tally.Scope
	requests map[string]tally.Counter // by outcome
	latency  tally.Timer
	panics   tally.Counter
	conns    tally.Gauge
}

func newMetrics(scope tally.Scope) *metrics {
	m := &metrics{
		scope:    scope,
		requests: make(map[string]tally.Counter),
		latency:  scope.Timer("handler_latency"),
		panics:   scope.Counter("panics"),
		conns:    scope.Gauge("connections"),
	}
	outcomes := []string{"ok"}
	for code := message.BadRequestData; code <= message.InvalidRequestProto; code++ {
		outcomes = append(outcomes, code.String())
	}
	for _, outcome := range outcomes {
		m.requests[outcome] = scope.Tagged(map[string]string{"outcome": outcome}).Counter("requests")
	}
	return m
}

func (m *metrics) request(resp *message.Response) {
	outcome := "ok"
	if resp.ErrorCode != nil {
		outcome = resp.ErrorCode.String()
	} else if resp.HasFailed {
		outcome = "failed"
	}
	if c, ok := m.requests[outcome]; ok {
		c.Inc(1)
		return
	}
	m.scope.Tagged(map[string]string{"outcome": outcome}).Counter("requests").Inc(1)
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	opts    options
	logger  *zap.Logger
	metrics *metrics

	mu          sync.Mutex
	services    map[string]*ServiceDesc // immutable once serving
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(s.dispatch)))
	listener    net.Listener

	queue      chan *inbound
	router     *router
	nextConnID atomic.Uint64

	started  atomic.Bool
	running  atomic.Bool
	quit     chan struct{}
	stopOnce sync.Once
	stopErr  error

	workers  sync.WaitGroup // worker goroutines
	inflight sync.WaitGroup // requests not replied to yet
	conns    sync.WaitGroup // connection readers and writers
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		opts:     o,
		logger:   o.logger,
		metrics:  newMetrics(o.scope),
		services: make(map[string]*ServiceDesc),
		queue:    make(chan *inbound, o.queueSize),
		router:   newRouter(),
		quit:     make(chan struct{}),
	}
}

// Register adds a service. All services must be registered before the
// server starts serving.
func (s *Server) Register(desc *ServiceDesc) error {
	if err := desc.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return ErrAlreadyServing
	}
	if _, dup := s.services[desc.Name]; dup {
		return fmt.Errorf("server: service %q already registered", desc.Name)
	}
	s.services[desc.Name] = desc
	return nil
}

// RegisterReceiver registers the service described by NewServiceDesc(rcvr).
func (s *Server) RegisterReceiver(rcvr any) error {
	desc, err := NewServiceDesc(rcvr)
	if err != nil {
		return err
	}
	return s.Register(desc)
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, and must all be added before the server starts serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on endpoint (see transport.ParseEndpoint) and serves until
// Stop or Shutdown.
func (s *Server) Serve(endpoint string) error {
	l, err := transport.Listen(endpoint)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener starts the workers, registers the services with the
// registry if one was configured, and runs the accept loop on l. It blocks
// until the server is stopped, and then returns ErrServerClosed.
func (s *Server) ServeListener(l net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		_ = l.Close()
		return ErrAlreadyServing
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		// Stopped before it started.
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	default:
	}
	s.listener = l
	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.running.Store(true)
	s.mu.Unlock()

	for i := 0; i < s.opts.workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	if err := s.register(); err != nil {
		_ = s.Stop()
		return err
	}

	s.logger.Info("serving",
		zap.Stringer("addr", l.Addr()),
		zap.Int("workers", s.opts.workers),
		zap.Strings("services", s.serviceNames()))

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		nc, err := l.Accept()
		if err != nil {
			if !s.running.Load() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				tempDelay = sleep(tempDelay)
				s.logger.Warn("accept", zap.Error(err), zap.Duration("retryIn", tempDelay))
				continue
			}
			_ = s.Stop()
			return err
		}
		tempDelay = 0
		s.serveConn(nc)
	}
}

func sleep(tempDelay time.Duration) time.Duration {
	if tempDelay == 0 {
		tempDelay = 5 * time.Millisecond
	} else {
		tempDelay *= 2
	}
	if max := 1 * time.Second; tempDelay > max {
		tempDelay = max
	}
	time.Sleep(tempDelay)
	return tempDelay
}

// Addr returns the listen address, or nil before the server is serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serviceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// serveConn starts the reader and writer of a new connection.
// A connection accepted while the server stops is closed right away.
func (s *Server) serveConn(nc net.Conn) {
	c := newConn(s.nextConnID.Inc(), transport.NewLink(nc))

	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.router.add(c)
	s.conns.Add(2)
	s.mu.Unlock()

	s.metrics.conns.Update(float64(s.router.len()))
	s.logger.Debug("connection accepted",
		zap.Uint64("conn", c.id),
		zap.Stringer("remote", nc.RemoteAddr()))

	go func() {
		defer s.conns.Done()
		c.writeLoop(s.logger)
	}()
	go func() {
		defer s.conns.Done()
		s.readLoop(c)
		c.close()
		s.router.remove(c.id)
		s.metrics.conns.Update(float64(s.router.len()))
		s.logger.Debug("connection closed", zap.Uint64("conn", c.id))
	}()
}

// readLoop is the only reader of the connection. Frames are read one at a
// time to keep their boundaries; handling happens on the workers.
func (s *Server) readLoop(c *conn) {
	for {
		header, body, err := c.link.ReadFrame()
		if err != nil {
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
		default:
			s.logger.Warn("dropping unexpected frame",
				zap.Uint64("conn", c.id),
				zap.Uint8("msgType", uint8(header.MsgType)))
			continue
		}

		in := &inbound{route: c.id, codecType: header.CodecType, body: body}
		select {
		case s.queue <- in:
		case <-c.closed:
			return
		case <-s.quit:
			return
		}
	}
}

// worker handles requests one at a time for as long as the server runs.
// An idle worker wakes up every poll interval to notice a stop.
func (s *Server) worker() {
	defer s.workers.Done()
	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()

	for s.running.Load() {
		select {
		case in := <-s.queue:
			s.handle(in)
		case <-ticker.C:
		}
	}
}

type codecKey struct{}

// replier sends the single response of one request.
type replier struct {
	s         *Server
	route     uint64
	codecType byte
	start     time.Time
	sent      atomic.Bool
}

func (s *Server) newReplier(in *inbound) *replier {
	s.inflight.Add(1)
	return &replier{s: s, route: in.route, codecType: in.codecType, start: time.Now()}
}

func (r *replier) reply(resp *message.Response) {
	if !r.sent.CompareAndSwap(false, true) {
		r.s.logger.Debug("dropping second reply", zap.Uint64("id", resp.RequestID))
		return
	}

	body := message.EncodeResponse(resp)
	if len(body) > int(protocol.MaxBodySize) {
		r.s.logger.Warn("reply too large, failing request",
			zap.Uint64("id", resp.RequestID),
			zap.Int("size", len(body)))
		resp = message.Failed(resp.RequestID, message.RPCError,
			"response too large: %d bytes, limit is %d", len(body), protocol.MaxBodySize)
		body = message.EncodeResponse(resp)
	}

	r.s.metrics.request(resp)
	r.s.metrics.latency.Record(time.Since(r.start))
	// inflight is released once the reply has left the process.
	if !r.s.router.send(r.route, r.codecType, body, r.s.inflight.Done) {
		r.s.inflight.Done()
		r.s.logger.Debug("connection gone, reply dropped",
			zap.Uint64("conn", r.route),
			zap.Uint64("id", resp.RequestID))
	}
}

// handle runs one request through the middleware chain. Whatever happens,
// including a panic in the handler, the request gets a response.
func (s *Server) handle(in *inbound) {
	r := s.newReplier(in)

	req, err := message.DecodeRequest(in.body)
	if err != nil {
		s.logger.Warn("invalid request envelope", zap.Uint64("conn", in.route), zap.Error(err))
		// No request id to echo.
		r.reply(message.Failed(0, message.InvalidRequestProto, "invalid request envelope: %v", err))
		return
	}

	cdc, err := codec.Get(codec.CodecType(in.codecType))
	if err != nil {
		r.reply(message.Failed(req.ID, message.InvalidRequestProto, "%v", err))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.metrics.panics.Inc(1)
			s.logger.Warn("handler panicked",
				zap.Uint64("id", req.ID),
				zap.String("service", req.ServiceName),
				zap.String("method", req.MethodName),
				zap.Any("panic", p))
			r.reply(message.Failed(req.ID, message.RPCError, "%v", p))
		}
	}()

	ctx := context.WithValue(context.Background(), codecKey{}, cdc)
	s.handler(ctx, req, r.reply)
}

// dispatch is the innermost handler: it resolves the method, decodes the
// request payload, and calls the service handler.
func (s *Server) dispatch(ctx context.Context, req *message.Request, reply middleware.ReplyFunc) {
	svc, ok := s.services[req.ServiceName]
	if !ok {
		reply(message.Failed(req.ID, message.ServiceNotFound, "service %q not found", req.ServiceName))
		return
	}
	method, ok := svc.Methods[req.MethodName]
	if !ok {
		reply(message.Failed(req.ID, message.MethodNotFound, "method %q not found in service %q", req.MethodName, req.ServiceName))
		return
	}

	cdc := ctx.Value(codecKey{}).(codec.Codec)
	msg, err := cdc.Decode(req.Payload, method.RequestType)
	if err != nil {
		reply(message.Failed(req.ID, message.BadRequestProto, "%v", err))
		return
	}
	if err := validate(method, msg); err != nil {
		reply(message.Failed(req.ID, message.BadRequestData, "%v", err))
		return
	}

	ctrl := controller.New()
	ctrl.Start()
	method.Handler(ctx, ctrl, msg, func(out proto.Message) {
		reply(response(req.ID, cdc, ctrl, out))
	})
}

func validate(method *Method, msg proto.Message) error {
	if method.Validate != nil {
		if err := method.Validate(msg); err != nil {
			return err
		}
	}
	if v, ok := msg.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// response builds the envelope for a handler's outcome.
func response(id uint64, cdc codec.Codec, ctrl *controller.Controller, out proto.Message) *message.Response {
	if !ctrl.IsOk() {
		resp := &message.Response{RequestID: id}
		ctrl.WriteTo(resp)
		resp.HasFailed = true
		resp.ErrorCode = message.Code(message.RPCFailed)
		if resp.ErrorMessage == "" {
			resp.ErrorMessage = "handler failed"
		}
		return resp
	}
	if out == nil {
		return message.Failed(id, message.RPCError, "handler replied without a response")
	}

	payload, err := cdc.Encode(out)
	if err != nil {
		return message.Failed(id, message.RPCError, "encode response: %v", err)
	}
	if payload == nil {
		// Present but empty: an empty message is still a success.
		payload = []byte{}
	}
	return &message.Response{RequestID: id, Payload: payload}
}

func (s *Server) register() error {
	if s.opts.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.registryTTL)
	defer cancel()

	inst := registry.ServiceInstance{Addr: s.opts.advertiseAddr, Weight: 1}
	for _, name := range s.serviceNames() {
		if err := s.opts.registry.Register(ctx, name, inst, s.opts.registryTTL); err != nil {
			return fmt.Errorf("server: register %s: %w", name, err)
		}
	}
	return nil
}

func (s *Server) deregister() error {
	if s.opts.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.registryTTL)
	defer cancel()

	var err error
	for _, name := range s.serviceNames() {
		err = multierr.Append(err, s.opts.registry.Deregister(ctx, name, s.opts.advertiseAddr))
	}
	return err
}

// Stop flips the running flag and closes the listener. Workers finish the
// request they are handling and exit; Serve returns ErrServerClosed. Stop
// does not wait for anything: use Shutdown for that.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running.Store(false)
		close(s.quit)
		l := s.listener
		s.mu.Unlock()

		if l != nil {
			s.stopErr = l.Close()
		}
	})
	return s.stopErr
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Stop: workers stop taking requests, the listener closes
//  3. Wait up to grace for workers, and for outstanding replies to be flushed
//  4. Close every connection
//
// It returns an error if the grace period elapsed first.
func (s *Server) Shutdown(grace time.Duration) error {
	err := s.deregister()
	err = multierr.Append(err, s.Stop())

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = multierr.Append(err, fmt.Errorf("server: requests still in flight after %v", grace))
	}

	for _, c := range s.router.all() {
		c.close()
	}
	s.conns.Wait()
	return err
}
