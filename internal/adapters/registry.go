// Package adapters holds the platform adapter registry. Platform dispatch is
// a registration lookup, so adding a platform means registering an adapter,
// not editing a switch.
package adapters

import (
	"sync"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// Registry maps platforms to their registered adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[crawljob.Platform]crawljob.Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[crawljob.Platform]crawljob.Adapter)}
}

// Register installs an adapter for a platform, replacing any prior one.
func (r *Registry) Register(platform crawljob.Platform, adapter crawljob.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = adapter
}

// Lookup returns the adapter registered for a platform.
func (r *Registry) Lookup(platform crawljob.Platform) (crawljob.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platform]
	return adapter, ok
}

// Platforms returns the registered platforms (useful for startup logging).
func (r *Registry) Platforms() []crawljob.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawljob.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
