package breaker

import (
	"sync"
)

// Registry holds named breakers so callers share one breaker per operation.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry. The defaults are applied to breakers
// created lazily through Get; Name and callbacks are set per breaker.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for the named operation, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	config := r.defaults
	config.Name = name
	b = New(config)
	r.breakers[name] = b
	return b
}

// Register installs a breaker with its own configuration, replacing any
// lazily created one of the same name.
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.Name()] = b
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Status exports a snapshot of every breaker, keyed by operation name.
func (r *Registry) Status() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
