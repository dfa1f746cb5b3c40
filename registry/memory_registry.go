package registry

import (
	"sync"
)

// MemoryRegistry is an in-process Registry for single-node deployments and tests.
// TTLs are ignored: instances live until deregistered.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(unit string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[unit]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			m.notify(unit)
			return nil
		}
	}
	m.instances[unit] = append(insts, inst)
	m.notify(unit)
	return nil
}

func (m *MemoryRegistry) Deregister(unit string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[unit]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[unit] = append(insts[:i:i], insts[i+1:]...)
			m.notify(unit)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(unit string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceInstance(nil), m.instances[unit]...), nil
}

func (m *MemoryRegistry) Watch(unit string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[unit] = append(m.watchers[unit], ch)
	m.mu.Unlock()
	return ch
}

// notify replaces any undelivered list with the latest one. Caller holds m.mu.
func (m *MemoryRegistry) notify(unit string) {
	snapshot := append([]ServiceInstance(nil), m.instances[unit]...)
	for _, ch := range m.watchers[unit] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
