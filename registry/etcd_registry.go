// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services:
//
//	Key:   /protorpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so no ghost instances are left behind.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const keyPrefix = "/protorpc/"

func serviceKey(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

func instanceKey(serviceName, addr string) string {
	return serviceKey(serviceName) + addr
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	// Lease renewals outlive the Register call that started them; they stop
	// on Deregister or Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance key → lease
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect to etcd: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (rounded up to whole seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl time.Duration) error {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive is bound to the registry, not to ctx: the entry must stay
	// alive after Register returns.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keep alive %s: %w", key, err)
	}

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.revoke(ctx, old)
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease renewal stopped", zap.String("key", key))
	}()

	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl", seconds))
	return nil
}

// Deregister removes a service instance from etcd and stops renewing its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)
	_, err := r.client.Delete(ctx, key)

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		r.revoke(ctx, lease)
	}

	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

func (r *EtcdRegistry) revoke(ctx context.Context, lease clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		r.logger.Warn("revoke lease", zap.Int64("lease", int64(lease)), zap.Error(err))
	}
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
// The returned channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("rediscover after watch event",
					zap.String("service", serviceName),
					zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every lease renewal and closes the etcd client. Entries that
// were not deregistered expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	r.mu.Lock()
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()
	return multierr.Append(nil, r.client.Close())
}
