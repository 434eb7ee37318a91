// Package plugin provides the publisher plugin interfaces and registry.
// Publishers register themselves with the global registry from init()
// functions; the daemon creates every enabled publisher at start-up and
// hands it the running coordinators.
package plugin

// Plugin is the core interface that all publishers implement.
// A publisher takes coordinator updates somewhere (Home Assistant, MQTT,
// a database) and may feed status commands back.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	Name() string

	// Start connects to the target system and subscribes to the
	// coordinators. It returns an error if the target is unreachable.
	Start() error

	// Stop unsubscribes and releases connections.
	Stop()
}

// HealthReporter is an optional interface for plugins that can report
// whether their target system is reachable. The HTTP API includes the
// result in /health.
type HealthReporter interface {
	Healthy() bool
}

// Factory is a function that creates a new plugin instance given a context.
type Factory func(ctx *Context) (Plugin, error)

// EnabledFunc decides from the context whether a plugin should be created.
type EnabledFunc func(ctx *Context) bool
