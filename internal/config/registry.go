package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrEndpointNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered under the requested endpoint name.
var ErrEndpointNotRegistered = errors.New("config: endpoint not registered")

// DialerFactory builds a [live.Dialer] from the endpoint section.
type DialerFactory func(EndpointConfig) (live.Dialer, error)

// Registry maps endpoint names to dialer factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]DialerFactory)}
}

// RegisterDialer registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDialer(name string, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = factory
}

// CreateDialer instantiates the dialer registered under entry.Name.
// Returns [ErrEndpointNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateDialer(entry EndpointConfig) (live.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.dialers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEndpointNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered endpoint names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dialers))
	for n := range r.dialers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
