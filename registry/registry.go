// Package registry lets service units announce themselves and lets gateways find them.
package registry

// ServiceInstance is one running process of a service unit.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

// Registry is a service-unit phonebook keyed by unit name.
type Registry interface {
	Register(unit string, instance ServiceInstance, ttl int64) error
	Deregister(unit string, addr string) error
	Discover(unit string) ([]ServiceInstance, error)
	// Watch emits the full instance list of unit each time it changes.
	Watch(unit string) <-chan []ServiceInstance
}
