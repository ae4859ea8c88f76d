// Package registry is the in-memory catalogue of active tunnel mappings
// on the server: component E of the tunnel data plane. It owns no sockets
// itself — binding and accepting is delegated to a ListenerFactory so this
// package stays free of any dependency on the tunnel-listener package.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPortInUse        = errors.New("registry: server port already in use")
	ErrNoPortsAvailable = errors.New("registry: no ports available in range")
	ErrNotFound         = errors.New("registry: tunnel not found")
)

// TunnelMapping is the identity and routing data for one active tunnel.
// Identity is (BackendID, TunnelID); at most one active mapping may claim
// a given ServerPort across the whole process.
type TunnelMapping struct {
	BackendID  string
	TunnelID   string
	ServerPort int
	LocalPort  int
	TargetHost string
}

type key struct {
	backendID string
	tunnelID  string
}

// Listener is the subset of the tunnel listener (component C) the
// registry needs to manage: something it can shut down.
type Listener interface {
	Close() error
}

// ListenerFactory binds and starts serving a new TunnelMapping, returning
// the running listener or an error if the bind failed.
type ListenerFactory func(TunnelMapping) (Listener, error)

// Registry holds a by-key and a by-port index over every active tunnel
// mapping and delegates the actual socket bind to a ListenerFactory
// supplied at construction.
type Registry struct {
	mu       sync.RWMutex
	factory  ListenerFactory
	byKey    map[key]TunnelMapping
	byPort   map[int]TunnelMapping
	listener map[key]Listener
}

func New(factory ListenerFactory) *Registry {
	return &Registry{
		factory:  factory,
		byKey:    make(map[key]TunnelMapping),
		byPort:   make(map[int]TunnelMapping),
		listener: make(map[key]Listener),
	}
}

// CreateTunnel binds a listener for mapping.ServerPort and installs the
// mapping. Fails with ErrPortInUse if another mapping already claims the
// port; a bind failure from the factory is returned wrapped in a
// "registry: bind server port" error around whatever the factory reported.
func (r *Registry) CreateTunnel(mapping TunnelMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPort[mapping.ServerPort]; exists {
		return ErrPortInUse
	}

	ln, err := r.factory(mapping)
	if err != nil {
		return fmt.Errorf("registry: bind server port %d: %w", mapping.ServerPort, err)
	}

	k := key{backendID: mapping.BackendID, tunnelID: mapping.TunnelID}
	r.byKey[k] = mapping
	r.byPort[mapping.ServerPort] = mapping
	r.listener[k] = ln
	return nil
}

// StopTunnel closes the listener and removes both index entries. After it
// returns, the registry is indistinguishable from never having created
// the tunnel.
func (r *Registry) StopTunnel(backendID, tunnelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{backendID: backendID, tunnelID: tunnelID}
	mapping, ok := r.byKey[k]
	if !ok {
		return ErrNotFound
	}

	if ln, ok := r.listener[k]; ok {
		_ = ln.Close()
	}
	delete(r.byKey, k)
	delete(r.byPort, mapping.ServerPort)
	delete(r.listener, k)
	return nil
}

func (r *Registry) IsPortAvailable(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byPort[port]
	return !exists
}

// FindAvailablePort does a first-fit linear scan over [min, max].
func (r *Registry) FindAvailablePort(min, max int) (int, error) {
	if min <= 0 {
		min = 10000
	}
	if max <= 0 {
		max = 65535
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for port := min; port <= max; port++ {
		if _, exists := r.byPort[port]; !exists {
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

func (r *Registry) Lookup(backendID, tunnelID string) (TunnelMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mapping, ok := r.byKey[key{backendID: backendID, tunnelID: tunnelID}]
	return mapping, ok
}

func (r *Registry) LookupByPort(port int) (TunnelMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mapping, ok := r.byPort[port]
	return mapping, ok
}

// Status is a point-in-time snapshot: active mappings plus derived
// backend-id and tunnel-key lists. RequestCount is supplied by the
// caller (the registry has no visibility into per-request state; that
// lives in the tunnelserver package) so Status takes it as a parameter
// rather than trying to own it.
type Status struct {
	Mappings      []TunnelMapping
	ActiveBackends []string
	ActiveTunnels []string
	RequestCount  int
}

func (r *Registry) StatusSnapshot(requestCount int) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backendSet := make(map[string]struct{}, len(r.byKey))
	status := Status{RequestCount: requestCount}
	for k, mapping := range r.byKey {
		status.Mappings = append(status.Mappings, mapping)
		status.ActiveTunnels = append(status.ActiveTunnels, k.backendID+"/"+k.tunnelID)
		backendSet[k.backendID] = struct{}{}
	}
	for id := range backendSet {
		status.ActiveBackends = append(status.ActiveBackends, id)
	}
	return status
}
