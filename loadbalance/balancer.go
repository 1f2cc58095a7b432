// Package loadbalance picks which physical link carries the next envelope.
//
// A channel may hold several links, to one or more server endpoints, for
// redundancy. The balancer only spreads one channel's traffic over its own
// links; it is not a cross-client load balancing policy.
package loadbalance

import (
	"errors"

	"protorpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for link selection strategies.
type Balancer interface {
	// Pick returns the index of the instance that should carry the next
	// envelope. Called once per envelope from the send loop.
	Pick(instances []registry.ServiceInstance) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, defaulting to round robin.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom":
		return NewWeightedRandomBalancer()
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
