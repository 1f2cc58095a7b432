package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"protorpc/registry"
)

// KeyedBalancer is implemented by balancers that place envelopes by key.
// The channel keys each envelope by its service name.
type KeyedBalancer interface {
	Balancer
	PickKey(key string, instances []registry.ServiceInstance) (int, error)
}

// ConsistentHashBalancer maps keys to instances using a hash ring, so all
// envelopes for one service travel on the same link (until the links change).
//
// Each instance is placed on the ring as many virtual nodes, which spreads
// keys evenly even with few instances.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	addrs []string       // instances the ring was built for
	ring  []uint32       // sorted virtual node hashes
	nodes map[uint32]int // virtual node hash → instance index
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick places envelopes that carry no key; they all share one instance.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (int, error) {
	return b.PickKey("", instances)
}

// PickKey returns the index of the instance responsible for key: the first
// virtual node clockwise from the key's hash.
func (b *ConsistentHashBalancer) PickKey(key string, instances []registry.ServiceInstance) (int, error) {
	if len(instances) == 0 {
		return 0, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.builtFor(instances) {
		b.build(instances)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Past the last node: wrap around to the first.
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) builtFor(instances []registry.ServiceInstance) bool {
	if len(b.addrs) != len(instances) {
		return false
	}
	for i, inst := range instances {
		if b.addrs[i] != inst.Addr {
			return false
		}
	}
	return true
}

func (b *ConsistentHashBalancer) build(instances []registry.ServiceInstance) {
	b.addrs = b.addrs[:0]
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]int, len(instances)*b.replicas)

	for idx, inst := range instances {
		b.addrs = append(b.addrs, inst.Addr)
		for i := 0; i < b.replicas; i++ {
			// The index keeps two links to the same address apart.
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s/%d#%d", inst.Addr, idx, i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = idx
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
