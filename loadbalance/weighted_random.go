package loadbalance

import (
	"math/rand"
	"sync"
	"time"

	"protorpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewWeightedRandomBalancer() *WeightedRandomBalancer {
	return &WeightedRandomBalancer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (int, error) {
	if len(instances) == 0 {
		return -1, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	b.mu.Lock()
	r := b.rnd.Intn(totalWeight)
	b.mu.Unlock()

	for i, v := range instances {
		r -= weight(v)
		if r < 0 {
			return i, nil
		}
	}
	return len(instances) - 1, nil
}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
