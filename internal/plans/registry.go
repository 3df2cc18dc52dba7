package plans

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

const (
	Pro    = "pro"
	Family = "family"
)

// Plan is one entry of the closed plan enumeration.
type Plan struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Features map[string]bool `json:"features"`
}

type PlansFile struct {
	Plans []Plan `json:"plans"`
}

type Registry struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

func NewRegistry() *Registry {
	return &Registry{
		plans: make(map[string]*Plan),
	}
}

// Default is the built-in catalogue used when no plans file is configured.
func Default() *Registry {
	r := NewRegistry()
	r.Register(&Plan{
		ID:   Pro,
		Name: "Pro",
		Features: map[string]bool{
			"unlimited_reminders": true,
			"pdf_reports":         true,
			"smart_parsing":       true,
		},
	})
	r.Register(&Plan{
		ID:   Family,
		Name: "Family",
		Features: map[string]bool{
			"unlimited_reminders": true,
			"pdf_reports":         true,
			"smart_parsing":       true,
			"family_profiles":     true,
		},
	})
	return r
}

// LoadFromFile reads the plan catalogue. Plan ids outside the closed
// enumeration are rejected.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans config: %w", err)
	}

	var file PlansFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plans config: %w", err)
	}

	registry := NewRegistry()
	for i := range file.Plans {
		p := &file.Plans[i]
		if p.ID != Pro && p.ID != Family {
			return nil, fmt.Errorf("unknown plan %q in %s", p.ID, path)
		}
		registry.Register(p)
	}
	return registry, nil
}

func (r *Registry) Register(p *Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.ID] = p
}

func (r *Registry) Get(id string) *Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plans[id]
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plans[id]
	return ok
}

func (r *Registry) HasFeature(id, feature string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return false
	}
	return p.Features[feature]
}

// Features returns a copy of the plan's feature flags, nil for unknown plans.
func (r *Registry) Features(id string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(p.Features))
	for k, v := range p.Features {
		out[k] = v
	}
	return out
}

// IDs lists registered plan ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
