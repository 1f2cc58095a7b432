// Package client wraps a channel with futures, synchronous calls and retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"protorpc/channel"
	"protorpc/controller"
	"protorpc/registry"
	"protorpc/rpcerrors"
)

var ErrNoInstances = errors.New("client: no instances registered")

// Call is one pending or finished call. Its fields other than Done are only
// valid once the Call has been sent on Done.
type Call struct {
	Service  string
	Method   string
	Request  proto.Message
	Response proto.Message // nil when the call failed
	Err      error         // nil, or an *rpcerrors.Error

	// Controller holds the outcome of the last attempt.
	Controller *controller.Controller
	Attempts   int

	Done chan *Call // receives the Call itself when it finishes
}

func (call *Call) finish(resp proto.Message, err error) {
	call.Response = resp
	call.Err = err
	call.Done <- call
}

// Client is safe for concurrent use.
type Client struct {
	opts   options
	logger *zap.Logger
	ch     *channel.Channel
	closed atomic.Bool
}

// Dial opens a channel with one link per endpoint.
func Dial(endpoints []string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ch, err := channel.New(endpoints, o.channelOpts...)
	if err != nil {
		return nil, fmt.Errorf("client: dial %v: %w", endpoints, err)
	}
	return &Client{opts: o, logger: o.logger, ch: ch}, nil
}

// Discover dials every instance currently registered for serviceName.
func Discover(ctx context.Context, reg registry.Registry, serviceName string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", serviceName, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("client: discover %s: %w", serviceName, ErrNoInstances)
	}
	endpoints := make([]string, 0, len(instances))
	for _, inst := range instances {
		endpoints = append(endpoints, inst.Addr)
	}
	return Dial(endpoints, opts...)
}

// Channel returns the underlying channel, for callers that manage their own
// controllers.
func (c *Client) Channel() *channel.Channel {
	return c.ch
}

// Go starts a call and returns immediately. The response is decoded into a
// new message of respPrototype's type. Go only blocks while the channel's
// outbound queue is full.
func (c *Client) Go(ctx context.Context, service, method string, req, respPrototype proto.Message) *Call {
	call := &Call{
		Service: service,
		Method:  method,
		Request: req,
		Done:    make(chan *Call, 1),
	}
	c.attempt(ctx, call, respPrototype)
	return call
}

// Call makes a call and waits for it. The call times out after the client's
// timeout, or at ctx's deadline if that comes first. If ctx is canceled
// while waiting, Call returns ctx.Err() and the call finishes in the
// background.
func (c *Client) Call(ctx context.Context, service, method string, req, respPrototype proto.Message) (proto.Message, error) {
	call := c.Go(ctx, service, method, req, respPrototype)
	select {
	case <-call.Done:
		return call.Response, call.Err
	case <-ctx.Done():
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// The attempt's own timer fires at the same deadline.
		<-call.Done
		return call.Response, call.Err
	}
	return nil, ctx.Err()
}

func (c *Client) attempt(ctx context.Context, call *Call, prototype proto.Message) {
	timeout, expired := c.callTimeout(ctx)
	ctrl := controller.NewWithTimeout(timeout)
	call.Controller = ctrl
	if expired {
		ctrl.Fail(controller.SignalTimeout, "context deadline exceeded")
		call.finish(nil, rpcerrors.FromController(ctrl))
		return
	}
	call.Attempts++

	c.ch.CallMethod(ctx, call.Service, call.Method, call.Request, prototype, ctrl, func(resp proto.Message) {
		err := rpcerrors.FromController(ctrl)
		if !rpcerrors.Is(err, rpcerrors.KindTimeout) || call.Attempts > c.opts.maxRetries {
			call.finish(resp, err)
			return
		}

		delay := c.opts.backoff << (call.Attempts - 1)
		c.logger.Debug("retrying timed out call",
			zap.String("service", call.Service),
			zap.String("method", call.Method),
			zap.Int("attempt", call.Attempts),
			zap.Duration("backoff", delay))
		time.AfterFunc(delay, func() {
			if ctx.Err() != nil || c.closed.Load() {
				call.finish(nil, err)
				return
			}
			c.attempt(ctx, call, prototype)
		})
	})
}

// callTimeout returns the timeout for the next attempt, and whether ctx's
// deadline has already passed.
func (c *Client) callTimeout(ctx context.Context) (time.Duration, bool) {
	timeout := c.opts.timeout
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout, false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, true
	}
	if timeout == 0 || remaining < timeout {
		timeout = remaining
	}
	return timeout, false
}

// Close closes the channel. Pending calls finish with a channel-closed error.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return channel.ErrClosed
	}
	return c.ch.Close()
}
