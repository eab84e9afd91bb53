package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps capability names to implementations. Instances are
// independent so tests can build their own without touching process globals.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{capabilities: map[string]Capability{}}
}

func (r *Registry) Register(cap Capability) error {
	if cap == nil {
		return fmt.Errorf("capability is required")
	}
	name := strings.TrimSpace(cap.Definition().Name)
	if name == "" {
		return fmt.Errorf("capability name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.capabilities[name] = cap
	return nil
}

func (r *Registry) MustRegister(cap Capability) {
	if err := r.Register(cap); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.capabilities[name]
	return cap, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog returns all definitions sorted by name, in the shape handed to the
// reasoning engine so it knows what it may call.
func (r *Registry) Catalog() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.capabilities))
	for _, cap := range r.capabilities {
		out = append(out, cap.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
