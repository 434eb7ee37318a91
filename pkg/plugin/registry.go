package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for plugin registration.
// Higher priority values override lower priority plugins with the same name.
const (
	// PriorityDefault is the default priority for plugins.
	PriorityDefault = 0

	// PriorityOverride lets a replacement publisher take precedence over
	// the built-in one with the same name.
	PriorityOverride = 100
)

// DefaultOrder is used when PluginInfo.Order is zero.
const DefaultOrder = 50

// PluginInfo contains metadata about a registered plugin.
type PluginInfo struct {
	// Name is the unique identifier for the plugin.
	// Plugins with the same name will override based on priority.
	Name string

	// Description is a human-readable description of the plugin.
	Description string

	// Priority determines which plugin wins when multiple plugins
	// register with the same name. Higher priority wins.
	Priority int

	// Factory creates new instances of the plugin.
	Factory Factory

	// Enabled reports whether the plugin is configured. Nil means always.
	Enabled EnabledFunc

	// Order specifies the startup order. Lower values start first.
	// Stores (history, influx) use 20, host publishers 50.
	Order int
}

// Registry manages plugin registration and instantiation.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
	order   []string
	logger  *zap.Logger
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]PluginInfo),
		logger:  zap.NewNop(),
	}
}

// SetLogger replaces the registry logger. Registrations from init()
// happen before any logger exists and are not logged.
func (r *Registry) SetLogger(logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger.Named("plugin")
}

// Register adds a plugin to the registry.
// If a plugin with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info PluginInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	existing, exists := r.plugins[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Debug("Plugin registration skipped",
				zap.String("plugin", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Debug("Plugin overridden",
			zap.String("plugin", info.Name),
			zap.Int("priority", info.Priority))
	}

	r.plugins[info.Name] = info
	if !exists {
		r.order = append(r.order, info.Name)
	}
	return nil
}

// Get returns the plugin info for a given name, or nil if not found.
func (r *Registry) Get(name string) *PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered plugins sorted by their startup order.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PluginInfo, 0, len(r.plugins))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// CreateAll instantiates every enabled plugin in startup order. If a
// factory fails, the plugins created so far are stopped.
func (r *Registry) CreateAll(ctx *Context) ([]Plugin, error) {
	infos := r.List()
	result := make([]Plugin, 0, len(infos))

	r.mu.RLock()
	logger := r.logger
	r.mu.RUnlock()

	for _, info := range infos {
		if info.Enabled != nil && !info.Enabled(ctx) {
			logger.Debug("Plugin disabled", zap.String("plugin", info.Name))
			continue
		}

		p, err := info.Factory(ctx)
		if err != nil {
			for i := len(result) - 1; i >= 0; i-- {
				result[i].Stop()
			}
			return nil, fmt.Errorf("failed to create plugin %s: %w", info.Name, err)
		}
		logger.Info("Plugin created",
			zap.String("plugin", info.Name),
			zap.String("description", info.Description))
		result = append(result, p)
	}
	return result, nil
}

// Names returns the names of all registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered plugins. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]PluginInfo)
	r.order = nil
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry.
// This is typically called from init() functions in plugin packages.
func Register(info PluginInfo) error {
	return globalRegistry.Register(info)
}

// SetLogger sets the logger of the global registry.
func SetLogger(logger *zap.Logger) {
	globalRegistry.SetLogger(logger)
}

// Get returns plugin info from the global registry.
func Get(name string) *PluginInfo {
	return globalRegistry.Get(name)
}

// List returns all plugins from the global registry.
func List() []PluginInfo {
	return globalRegistry.List()
}

// CreateAll creates all enabled plugins from the global registry.
func CreateAll(ctx *Context) ([]Plugin, error) {
	return globalRegistry.CreateAll(ctx)
}

// Names returns all plugin names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}

// StartAll starts plugins in order. On failure the already started ones
// are stopped and the error is returned.
func StartAll(plugins []Plugin) error {
	for i, p := range plugins {
		if err := p.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				plugins[j].Stop()
			}
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// StopAll stops plugins in reverse start order.
func StopAll(plugins []Plugin) {
	for i := len(plugins) - 1; i >= 0; i-- {
		plugins[i].Stop()
	}
}
