package channel

import (
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"protorpc/codec"
	"protorpc/loadbalance"
)

const (
	DefaultQueueSize       = 128
	DefaultDispatchWorkers = 4
	DefaultDialTimeout     = 5 * time.Second

	// maxBatch bounds how many envelopes the send loop writes before it
	// flushes, so one busy producer cannot starve the flush.
	maxBatch = 64
)

type options struct {
	queueSize       int
	dispatchWorkers int
	codec           codec.Codec
	balancer        loadbalance.Balancer
	logger          *zap.Logger
	scope           tally.Scope
	heartbeat       time.Duration
	dialTimeout     time.Duration
}

func defaultOptions() options {
	return options{
		queueSize:       DefaultQueueSize,
		dispatchWorkers: DefaultDispatchWorkers,
		codec:           &codec.ProtoCodec{},
		balancer:        &loadbalance.RoundRobinBalancer{},
		logger:          zap.NewNop(),
		scope:           tally.NoopScope,
		dialTimeout:     DefaultDialTimeout,
	}
}

// Option configures a Channel.
type Option func(*options)

// WithQueueSize bounds the outbound queue. Once it is full, CallMethod blocks
// until the send loop catches up, so this is also the concurrency limit for
// calls that have not reached the wire yet.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithDispatchWorkers sets how many goroutines run completion callbacks.
func WithDispatchWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dispatchWorkers = n
		}
	}
}

// WithCodec sets the payload codec used for requests. Responses are decoded
// with whatever codec the server tagged them with.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithBalancer sets how envelopes are spread over the channel's links.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) {
		if b != nil {
			o.balancer = b
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics reports channel counters to scope.
func WithMetrics(scope tally.Scope) Option {
	return func(o *options) {
		if scope != nil {
			o.scope = scope
		}
	}
}

// WithHeartbeat sends an empty heartbeat frame on every link each interval.
// 0 disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}
