package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderConfig selects a caller validator and carries its settings.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory builds a validator from provider settings.
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]ValidatorFactory)
)

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// RegisterProvider makes a provider available under name. Providers call
// it from init; registering the same name twice panics.
func RegisterProvider(name string, factory ValidatorFactory) {
	key := normalize(name)
	if key == "" || factory == nil {
		panic("auth: RegisterProvider needs a name and a factory")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[key]; dup {
		panic("auth: provider registered twice: " + key)
	}
	factories[key] = factory
}

// NewValidator builds the validator named by cfg.Type.
func NewValidator(cfg ProviderConfig) (Validator, error) {
	key := normalize(cfg.Type)
	mu.RLock()
	factory, ok := factories[key]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown auth provider %q (registered: %s)", cfg.Type, strings.Join(ListProviders(), ", "))
	}
	raw := cfg.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	v, err := factory(raw)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: %w", key, err)
	}
	return v, nil
}

// ListProviders returns the registered provider names, sorted.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
