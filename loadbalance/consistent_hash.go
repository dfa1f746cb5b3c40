package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mini-relay/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the instance set changes, and a
// change only moves the keys of the instances that came or went.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring, which keeps
// the distribution even with only a handful of instances.
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

	mu   sync.Mutex
	last *hashRing // ring of the most recent instance set
}

// hashRing is immutable once built.
type hashRing struct {
	sig   string   // instance set the ring was built from
	ring  []uint32 // sorted hash values
	nodes map[uint32]registry.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

// build places every instance onto a fresh ring. Each virtual node is hashed from
// "{addr}#{i}".
func (b *ConsistentHashBalancer) build(sig string, instances []registry.ServiceInstance) *hashRing {
	r := &hashRing{
		sig:   sig,
		ring:  make([]uint32, 0, len(instances)*b.replicas),
		nodes: make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas),
	}
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			r.ring = append(r.ring, hash)
			r.nodes[hash] = inst
		}
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
	return r
}

func (b *ConsistentHashBalancer) ringFor(instances []registry.ServiceInstance) *hashRing {
	sig := signature(instances)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil || b.last.sig != sig {
		b.last = b.build(sig, instances)
	}
	return b.last
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping around at the
// end of the ring.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	r := b.ringFor(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})
	if idx == len(r.ring) {
		idx = 0
	}
	inst := r.nodes[r.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
