package simplethrottle

import (
	"sync"
	"time"
)

// Registry is a name -> Throttle directory. Registration is serialized so
// two goroutines racing to register the same name end with a deterministic
// last-writer-wins entry, never a partially constructed one. There is no
// removal; registries live for the process lifetime.
type Registry struct {
	mu        sync.RWMutex
	throttles map[string]*Throttle
}

func NewRegistry() *Registry {
	return &Registry{throttles: make(map[string]*Throttle)}
}

// Add constructs a throttle and publishes it under name, replacing any
// previous registration.
func (r *Registry) Add(name string, limit float64, ttl time.Duration, opts ...Option) *Throttle {
	t := New(name, limit, ttl, opts...)
	r.mu.Lock()
	r.throttles[name] = t
	r.mu.Unlock()
	return t
}

// Lookup returns the registered throttle, or nil if the name is unknown.
func (r *Registry) Lookup(name string) *Throttle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.throttles[name]
}

// Names returns the registered throttle names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.throttles))
	for name := range r.throttles {
		out = append(out, name)
	}
	return out
}

// defaultRegistry backs the package-level Register/Lookup convenience API.
var defaultRegistry = NewRegistry()

// Register adds a throttle to the process-wide registry.
func Register(name string, limit float64, ttl time.Duration, opts ...Option) *Throttle {
	return defaultRegistry.Add(name, limit, ttl, opts...)
}

// Lookup fetches a throttle from the process-wide registry, nil if absent.
func Lookup(name string) *Throttle {
	return defaultRegistry.Lookup(name)
}
