package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the enabled adapters keyed by provider. It is itself a
// Sender that routes each message by its Provider field.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Provider]Adapter
}

// NewRegistry creates a Registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for p.
func (r *Registry) Get(p Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Providers lists the registered providers in sorted order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send routes msg to the adapter for msg.Provider.
func (r *Registry) Send(ctx context.Context, msg OutgoingMessage) SendResult {
	a, ok := r.Get(msg.Provider)
	if !ok {
		return Failed(fmt.Errorf("transport: no adapter for provider %q", msg.Provider))
	}
	return a.Send(ctx, msg)
}
