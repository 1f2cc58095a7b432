package loadbalance

import (
	"go.uber.org/atomic"

	"protorpc/registry"
)

// RoundRobinBalancer cycles through all instances in order.
// The atomic counter makes it lock-free and goroutine-safe.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (int, error) {
	if len(instances) == 0 {
		return -1, ErrNoInstances
	}
	next := b.counter.Inc() - 1
	return int(next % uint64(len(instances))), nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
