// Package circuitbreaker guards calls to remote dependencies with per-name circuit breakers.
package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry owns one breaker per named dependency for the lifetime of the process.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. Listeners are attached to every breaker it creates.
func NewRegistry(logger zerolog.Logger, listeners ...StateChangeListener) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		listeners: listeners,
		logger:    logger,
	}
}

// GetOrCreate returns the existing breaker for name or creates one with cfg.
// cfg is ignored when the breaker already exists.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[name]; exists {
		return b
	}
	b = New(name, cfg, r.logger, r.listeners...)
	r.breakers[name] = b
	return b
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns the state of every breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether any registered circuit is currently rejecting calls.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.Snapshots() {
		if s.State == StateOpen {
			return true
		}
	}
	return false
}
