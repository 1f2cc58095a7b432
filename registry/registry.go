// Package registry maps service names to the endpoints serving them.
//
// It is optional: a server announces itself when it is given a Registry, and
// a client can build its endpoint list from one. Nothing in the call path
// depends on it.
package registry

import (
	"context"
	"time"
)

// ServiceInstance is one server process able to answer a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`    // Transport endpoint, e.g. "tcp://10.0.0.7:7000"
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"` // Free-form, for operators
}

type Registry interface {
	// Register announces instance under serviceName. The entry disappears on
	// its own about ttl after the process stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list every time it changes, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
