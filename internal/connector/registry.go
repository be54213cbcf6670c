package connector

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultSubmitTimeout bounds broker submit calls when no per-broker timeout
// was configured.
const DefaultSubmitTimeout = 5 * time.Second

// Registry resolves broker names to connector implementations. Names are
// case-insensitive. The registry is populated at startup and read-mostly
// afterwards; concurrent reads are safe.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Connector
	timeouts map[string]time.Duration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]Connector),
		timeouts: make(map[string]time.Duration),
	}
}

// Register adds a connector under its own name with the default submit
// timeout. Registering the same name twice replaces the earlier connector.
func (r *Registry) Register(c Connector) {
	r.RegisterWithTimeout(c, DefaultSubmitTimeout)
}

// RegisterWithTimeout adds a connector with a per-broker submit timeout.
func (r *Registry) RegisterWithTimeout(c Connector, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	key := strings.ToLower(c.Name())
	r.mu.Lock()
	r.conns[key] = c
	r.timeouts[key] = timeout
	r.mu.Unlock()
}

// Resolve returns the connector registered under name (case-insensitive).
// An unknown name is a validation error for the order that referenced it.
func (r *Registry) Resolve(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown broker %q", name)
	}
	return c, nil
}

// SubmitTimeout returns the configured submit timeout for the broker, or the
// default when the broker is unknown.
func (r *Registry) SubmitTimeout(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[strings.ToLower(name)]; ok {
		return d
	}
	return DefaultSubmitTimeout
}

// Names returns the registered broker names, for logging and health output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	return names
}
