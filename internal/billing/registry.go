package billing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
)

// Factory builds a provider from the configuration snapshot in force.
type Factory func(cfg *config.Config) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the providers shipped with the service.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DummyName, func(cfg *config.Config) (Provider, error) {
		return NewDummy(cfg.WebhookSecret, cfg.PublicBaseURL), nil
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve returns the provider named by cfg.ProviderName.
func (r *Registry) Resolve(cfg *config.Config) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.ProviderName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, cfg.ProviderName)
	}
	return f(cfg)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
