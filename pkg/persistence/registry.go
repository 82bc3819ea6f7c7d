package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultHistoryLimit bounds the history when the config leaves it unset.
const DefaultHistoryLimit = 1000

// ProviderConfig selects a history backend and carries its settings.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// PluginConfig is what a backend factory receives.
type PluginConfig struct {
	// Config is the backend's own JSON settings (addr, password, ...).
	Config json.RawMessage

	// Timezone stamps CreatedAt/UpdatedAt.
	Timezone *time.Location

	// HistoryLimit is the number of records kept before the oldest are trimmed.
	HistoryLimit int
}

func (c PluginConfig) withDefaults() PluginConfig {
	if len(c.Config) == 0 {
		c.Config = json.RawMessage("{}")
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

type PluginFactory func(config PluginConfig) (PluginPersistence, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]PluginFactory)
)

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// RegisterProvider makes a backend available under name. Backends call it
// from init; registering the same name twice panics.
func RegisterProvider(name string, factory PluginFactory) {
	key := normalize(name)
	if key == "" || factory == nil {
		panic("persistence: RegisterProvider needs a name and a factory")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[key]; dup {
		panic("persistence: provider registered twice: " + key)
	}
	factories[key] = factory
}

// NewPersistence opens the backend named by provider.Type with its
// settings merged into plugin.
func NewPersistence(provider ProviderConfig, plugin PluginConfig) (PluginPersistence, error) {
	key := normalize(provider.Type)
	mu.RLock()
	factory, ok := factories[key]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown persistence provider %q (registered: %s)", provider.Type, strings.Join(ListProviders(), ", "))
	}
	plugin.Config = provider.Config
	p, err := factory(plugin.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("persistence provider %s: %w", key, err)
	}
	return p, nil
}

// ListProviders returns the registered backend names, sorted.
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
