// Package config loads client and server settings from YAML.
//
//	endpoints: ["tcp://127.0.0.1:7000"]
//	timeout_ms: 2000        # 0 = unbounded
//	queue_size: 128         # outbound queue capacity / concurrency limit
//	dispatch_workers: 4
//	codec: proto            # proto | json
//	balancer: RoundRobin    # RoundRobin | WeightedRandom | ConsistentHash
//	heartbeat_ms: 0
//	max_retries: 0
//	retry_backoff_ms: 50
//
//	listen: tcp://0.0.0.0:7000
//	advertise: tcp://10.0.0.7:7000
//	workers: 8              # server worker pool
//	server_queue_size: 1024
//	poll_interval_ms: 10
//	etcd_endpoints: []
//	registry_ttl_ms: 10000
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"protorpc/channel"
	"protorpc/client"
	"protorpc/codec"
	"protorpc/loadbalance"
	"protorpc/registry"
	"protorpc/server"
	"protorpc/transport"
)

var ErrNoEtcdEndpoints = errors.New("config: no etcd endpoints")

type Config struct {
	// Client side.
	Endpoints       []string `yaml:"endpoints"`
	TimeoutMs       int      `yaml:"timeout_ms"`
	QueueSize       int      `yaml:"queue_size"`
	DispatchWorkers int      `yaml:"dispatch_workers"`
	Codec           string   `yaml:"codec"`
	Balancer        string   `yaml:"balancer"`
	HeartbeatMs     int      `yaml:"heartbeat_ms"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryBackoffMs  int      `yaml:"retry_backoff_ms"`

	// Server side.
	Listen          string   `yaml:"listen"`
	Advertise       string   `yaml:"advertise"`
	Workers         int      `yaml:"workers"`
	ServerQueueSize int      `yaml:"server_queue_size"`
	PollIntervalMs  int      `yaml:"poll_interval_ms"`
	EtcdEndpoints   []string `yaml:"etcd_endpoints"`
	RegistryTTLMs   int      `yaml:"registry_ttl_ms"`
}

// Default returns the settings used for keys a file leaves out.
func Default() Config {
	return Config{
		TimeoutMs:       int(client.DefaultTimeout / time.Millisecond),
		QueueSize:       channel.DefaultQueueSize,
		DispatchWorkers: channel.DefaultDispatchWorkers,
		Codec:           codec.CodecTypeProto.String(),
		Balancer:        (&loadbalance.RoundRobinBalancer{}).Name(),
		RetryBackoffMs:  int(client.DefaultRetryBackoff / time.Millisecond),
		Workers:         server.DefaultWorkers,
		ServerQueueSize: server.DefaultQueueSize,
		PollIntervalMs:  int(server.DefaultPollInterval / time.Millisecond),
		RegistryTTLMs:   int(server.DefaultRegistryTTL / time.Millisecond),
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown keys
// are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	nonNegative := func(name string, v int) {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("config: %s must not be negative, got %d", name, v))
		}
	}
	positive := func(name string, v int) {
		if v <= 0 {
			err = multierr.Append(err, fmt.Errorf("config: %s must be positive, got %d", name, v))
		}
	}
	nonNegative("timeout_ms", c.TimeoutMs)
	positive("queue_size", c.QueueSize)
	positive("dispatch_workers", c.DispatchWorkers)
	nonNegative("heartbeat_ms", c.HeartbeatMs)
	nonNegative("max_retries", c.MaxRetries)
	positive("retry_backoff_ms", c.RetryBackoffMs)
	positive("workers", c.Workers)
	positive("server_queue_size", c.ServerQueueSize)
	positive("poll_interval_ms", c.PollIntervalMs)
	nonNegative("registry_ttl_ms", c.RegistryTTLMs)

	if _, e := c.codec(); e != nil {
		err = multierr.Append(err, e)
	}
	if loadbalance.New(c.Balancer).Name() != c.Balancer {
		err = multierr.Append(err, fmt.Errorf("config: unknown balancer %q", c.Balancer))
	}
	for _, ep := range c.Endpoints {
		if _, e := transport.ParseEndpoint(ep); e != nil {
			err = multierr.Append(err, fmt.Errorf("config: endpoints: %w", e))
		}
	}
	for name, ep := range map[string]string{"listen": c.Listen, "advertise": c.Advertise} {
		if ep == "" {
			continue
		}
		if _, e := transport.ParseEndpoint(ep); e != nil {
			err = multierr.Append(err, fmt.Errorf("config: %s: %w", name, e))
		}
	}
	return err
}

func (c Config) codec() (codec.Codec, error) {
	switch c.Codec {
	case "", codec.CodecTypeProto.String():
		return codec.Get(codec.CodecTypeProto)
	case codec.CodecTypeJSON.String():
		return codec.Get(codec.CodecTypeJSON)
	}
	return nil, fmt.Errorf("config: unknown codec %q", c.Codec)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ChannelOptions converts the client-side settings into channel options.
// logger may be nil.
func (c Config) ChannelOptions(logger *zap.Logger) []channel.Option {
	opts := []channel.Option{
		channel.WithQueueSize(c.QueueSize),
		channel.WithDispatchWorkers(c.DispatchWorkers),
		channel.WithBalancer(loadbalance.New(c.Balancer)),
		channel.WithHeartbeat(ms(c.HeartbeatMs)),
		channel.WithLogger(logger),
	}
	if cdc, err := c.codec(); err == nil {
		opts = append(opts, channel.WithCodec(cdc))
	}
	return opts
}

// ClientOptions converts the client-side settings into client options,
// channel options included.
func (c Config) ClientOptions(logger *zap.Logger) []client.Option {
	return []client.Option{
		client.WithTimeout(ms(c.TimeoutMs)),
		client.WithRetry(c.MaxRetries, ms(c.RetryBackoffMs)),
		client.WithLogger(logger),
		client.WithChannelOptions(c.ChannelOptions(logger)...),
	}
}

// ServerOptions converts the server-side settings into server options. When
// reg is not nil and an advertise address is set, the server registers
// itself there.
func (c Config) ServerOptions(logger *zap.Logger, reg registry.Registry) []server.Option {
	opts := []server.Option{
		server.WithWorkers(c.Workers),
		server.WithQueueSize(c.ServerQueueSize),
		server.WithPollInterval(ms(c.PollIntervalMs)),
		server.WithLogger(logger),
	}
	if reg != nil && c.Advertise != "" {
		opts = append(opts, server.WithRegistry(reg, c.Advertise, ms(c.RegistryTTLMs)))
	}
	return opts
}

// EtcdRegistry connects to the configured etcd cluster.
func (c Config) EtcdRegistry(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if len(c.EtcdEndpoints) == 0 {
		return nil, ErrNoEtcdEndpoints
	}
	return registry.NewEtcdRegistry(c.EtcdEndpoints, logger)
}
