package server

import (
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"protorpc/registry"
)

const (
	DefaultWorkers      = 8
	DefaultQueueSize    = 1024
	DefaultPollInterval = 10 * time.Millisecond
	DefaultRegistryTTL  = 10 * time.Second
)

type options struct {
	workers      int
	queueSize    int
	pollInterval time.Duration
	logger       *zap.Logger
	scope        tally.Scope

	registry      registry.Registry
	advertiseAddr string
	registryTTL   time.Duration
}

func defaultOptions() options {
	return options{
		workers:      DefaultWorkers,
		queueSize:    DefaultQueueSize,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
		scope:        tally.NoopScope,
	}
}

// Option configures a Server.
type Option func(*options)

// WithWorkers sets the size of the worker pool. Each worker handles one
// request at a time.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize bounds the distribution queue between the acceptor and the
// workers. A full queue stops connections from being read.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithPollInterval sets how often an idle worker checks whether the server
// is still running.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
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

// WithMetrics reports server counters and handler latency to scope.
func WithMetrics(scope tally.Scope) Option {
	return func(o *options) {
		if scope != nil {
			o.scope = scope
		}
	}
}

// WithRegistry registers every service under advertiseAddr when the server
// starts serving, and deregisters them on Shutdown. advertiseAddr is what
// clients dial, e.g. "tcp://10.0.0.7:7000", which usually differs from the
// listen address (":7000"). A ttl of 0 means DefaultRegistryTTL.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl time.Duration) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
		if ttl <= 0 {
			ttl = DefaultRegistryTTL
		}
		o.registryTTL = ttl
	}
}
