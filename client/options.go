package client

import (
	"time"

	"go.uber.org/zap"

	"protorpc/channel"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultRetryBackoff = 50 * time.Millisecond
)

type options struct {
	timeout     time.Duration
	maxRetries  int
	backoff     time.Duration
	logger      *zap.Logger
	channelOpts []channel.Option
}

func defaultOptions() options {
	return options{
		timeout: DefaultTimeout,
		backoff: DefaultRetryBackoff,
		logger:  zap.NewNop(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithTimeout sets the per-attempt call timeout. 0 means calls only time out
// when their context has a deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithRetry retries calls that timed out, up to max more times, waiting
// baseDelay before the first retry and doubling the wait each time after.
// Other failures are never retried: the server may already have acted on them.
func WithRetry(max int, baseDelay time.Duration) Option {
	return func(o *options) {
		if max >= 0 {
			o.maxRetries = max
		}
		if baseDelay > 0 {
			o.backoff = baseDelay
		}
	}
}

// WithLogger sets the logger of the client and of its channel.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
			o.channelOpts = append(o.channelOpts, channel.WithLogger(l))
		}
	}
}

// WithChannelOptions passes opts through to the underlying channel.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(o *options) {
		o.channelOpts = append(o.channelOpts, opts...)
	}
}
