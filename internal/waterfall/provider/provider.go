// Package provider defines the capability adapter contract and its
// implementations for external classification and enhancement services.
package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Result is the uniform outcome of one adapter invocation. Data holds a
// *model.ClassificationResult or *model.EnhancementResult depending on the
// adapter's capability; it is nil when Success is false.
type Result struct {
	Provider   string          `json:"provider"`
	Success    bool            `json:"success"`
	Data       any             `json:"data,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Err        error           `json:"-"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Succeeded builds a successful Result.
func Succeeded(provider string, data any, confidence *float64, raw json.RawMessage) Result {
	return Result{Provider: provider, Success: true, Data: data, Confidence: confidence, Raw: raw}
}

// Failed builds a failed Result. A nil err is replaced with a generic one so
// a failure always carries a reason.
func Failed(provider string, err error) Result {
	if err == nil {
		err = eris.New("provider reported failure without an error")
	}
	return Result{Provider: provider, Err: err}
}

// Classification returns the classification payload, if any.
func (r Result) Classification() (*model.ClassificationResult, bool) {
	c, ok := r.Data.(*model.ClassificationResult)
	return c, ok && c != nil
}

// Enhancement returns the enhancement payload, if any.
func (r Result) Enhancement() (*model.EnhancementResult, bool) {
	e, ok := r.Data.(*model.EnhancementResult)
	return e, ok && e != nil
}

// Adapter wraps one external provider for one capability. Invoke never
// retries and reports every failure through Result rather than panicking.
type Adapter interface {
	// Name returns the provider identifier used in chains and audit rows.
	Name() string
	// Capability returns the capability this adapter serves.
	Capability() model.Capability
	// Invoke calls the provider for the record.
	Invoke(ctx context.Context, rec model.Record) Result
}

// Registry manages available adapters keyed by capability and name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Capability]map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[model.Capability]map[string]Adapter),
	}
}

// Register adds an adapter, replacing any previous one with the same name
// and capability.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.adapters[a.Capability()]
	if !ok {
		byName = make(map[string]Adapter)
		r.adapters[a.Capability()] = byName
	}
	byName[a.Name()] = a
}

// Get returns an adapter, or nil if not registered.
func (r *Registry) Get(c model.Capability, name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[c][name]
}

// List returns the registered provider names for a capability, sorted.
func (r *Registry) List(c model.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters[c]))
	for name := range r.adapters[c] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain resolves an ordered list of provider names into adapters.
// Unknown names are an error so a typo in configuration is caught at startup.
func (r *Registry) Chain(c model.Capability, names []string) ([]Adapter, error) {
	out := make([]Adapter, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if model.IsLocalProvider(name) {
			return nil, eris.Errorf("provider: %q is the built-in fallback and cannot be listed in a %s chain", name, c)
		}
		if seen[name] {
			return nil, eris.Errorf("provider: %q listed twice in %s chain", name, c)
		}
		seen[name] = true
		a := r.Get(c, name)
		if a == nil {
			return nil, eris.Errorf("provider: %q is not configured for %s", name, c)
		}
		out = append(out, a)
	}
	return out, nil
}
