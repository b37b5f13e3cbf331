package feed

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AdapterConstructor builds a provider adapter from its configuration.
type AdapterConstructor func(cfg AdapterConfig) (Adapter, error)

// Registry maps broker names to adapter constructors. It is an explicit
// object constructed once at session start and passed by reference, so the
// Manager's dependencies stay visible and testable in isolation.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]AdapterConstructor
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]AdapterConstructor)}
}

// normalizeBrokerName makes lookups case and whitespace insensitive.
func normalizeBrokerName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces the constructor for the given broker name.
func (r *Registry) Register(name string, ctor AdapterConstructor) error {
	key := normalizeBrokerName(name)
	if key == "" {
		return errors.New("broker name is required")
	}
	if ctor == nil {
		return fmt.Errorf("nil constructor for broker %q", key)
	}

	r.mu.Lock()
	r.ctors[key] = ctor
	r.mu.Unlock()
	return nil
}

// Unregister removes the constructor for the given broker name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.ctors, normalizeBrokerName(name))
	r.mu.Unlock()
}

// IsSupported reports whether a constructor is registered for name.
func (r *Registry) IsSupported(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[normalizeBrokerName(name)]
	return ok
}

// SupportedBrokers returns the registered broker names in sorted order.
func (r *Registry) SupportedBrokers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create looks up the constructor for name and builds an adapter with cfg.
// An unregistered name fails with an error listing the currently supported
// brokers. A constructor failure (error or panic) is wrapped into a
// descriptive creation error rather than propagated raw.
func (r *Registry) Create(name string, cfg AdapterConfig) (adapter Adapter, err error) {
	key := normalizeBrokerName(name)

	r.mu.RLock()
	ctor, ok := r.ctors[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported broker %q: supported brokers are %s",
			key, strings.Join(r.SupportedBrokers(), ", "))
	}

	defer func() {
		if rec := recover(); rec != nil {
			adapter = nil
			err = fmt.Errorf("creating adapter for broker %q: constructor panicked: %v", key, rec)
		}
	}()

	adapter, err = ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating adapter for broker %q: %w", key, err)
	}
	return adapter, nil
}
