// Package secrets holds operator secrets that can rotate without a restart and
// seals tenant store credentials at rest.
package secrets

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Loader returns the current secret values keyed by name.
type Loader func() (map[string]string, error)

// Vault caches the values returned by a Loader. Reload swaps the whole set, so
// readers never observe a half-applied rotation.
type Vault struct {
	mu       sync.RWMutex
	values   map[string]string
	defaults map[string]string
	loader   Loader
}

// NewVault loads the initial values. A failing first load is fatal to the
// caller since the admin surface cannot authenticate without it.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values:   vals,
		defaults: make(map[string]string),
		loader:   loader,
	}, nil
}

// SetDefault registers the value Get returns for key while the loader does not
// provide one, typically the value from the YAML config.
func (v *Vault) SetDefault(key, value string) {
	v.mu.Lock()
	v.defaults[key] = value
	v.mu.Unlock()
}

// Get returns the loaded secret for key, then its default, then "".
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if s := v.values[key]; s != "" {
		return s
	}
	return v.defaults[key]
}

// Reload re-runs the loader and returns the sorted names whose value changed.
// On error the previous values stay in place.
func (v *Vault) Reload() ([]string, error) {
	next, err := v.loader()
	if err != nil {
		return nil, fmt.Errorf("reload secrets: %w", err)
	}

	v.mu.Lock()
	prev := v.values
	v.values = next
	v.mu.Unlock()

	changed := make(map[string]struct{})
	for k, s := range next {
		if prev[k] != s {
			changed[k] = struct{}{}
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(changed)), nil
}
