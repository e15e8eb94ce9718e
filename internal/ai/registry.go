package ai

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds the adapter for one catalog entry. Returning an error wrapping
// ErrMissingCredentials marks the model unavailable instead of failing startup.
type Factory func(caps Capabilities) (Adapter, error)

type registryEntry struct {
	caps        Capabilities
	adapter     Adapter
	unavailable error
}

// ModelInfo is what the registry exposes about a model for listings.
type ModelInfo struct {
	Capabilities
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

func normalizeModelID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) Register(caps Capabilities, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeModelID(caps.ModelID)] = &registryEntry{caps: caps, adapter: adapter}
}

// RegisterUnavailable records a model whose adapter could not be built, so
// lookups fail with a configuration error rather than "unknown model".
func (r *Registry) RegisterUnavailable(caps Capabilities, reason error) {
	if reason == nil {
		reason = ErrModelUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeModelID(caps.ModelID)] = &registryEntry{caps: caps, unavailable: reason}
}

func (r *Registry) Resolve(modelID string) (Capabilities, bool) {
	r.mu.RLock()
	e, ok := r.entries[normalizeModelID(modelID)]
	r.mu.RUnlock()
	if !ok {
		return Capabilities{}, false
	}
	return e.caps, true
}

func (r *Registry) Get(modelID string) (Adapter, error) {
	r.mu.RLock()
	e, ok := r.entries[normalizeModelID(modelID)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if e.unavailable != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, modelID, e.unavailable)
	}
	return e.adapter, nil
}

func (r *Registry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := ModelInfo{Capabilities: e.caps, Available: e.unavailable == nil}
		if e.unavailable != nil {
			info.Reason = e.unavailable.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// BuildRegistry registers every catalog entry through the factory of its
// provider. Entries whose provider has no factory are registered unavailable.
func BuildRegistry(catalog []Capabilities, factories map[string]Factory) *Registry {
	reg := NewRegistry()
	for _, caps := range catalog {
		f, ok := factories[strings.ToLower(caps.ProviderName)]
		if !ok {
			reg.RegisterUnavailable(caps, fmt.Errorf("no adapter for provider %q", caps.ProviderName))
			continue
		}
		adapter, err := f(caps)
		if err != nil {
			reg.RegisterUnavailable(caps, err)
			continue
		}
		reg.Register(caps, adapter)
	}
	return reg
}
