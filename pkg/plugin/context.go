package plugin

import (
	"divera/internal/config"
	"divera/internal/coordinator"

	"go.uber.org/zap"
)

// Context provides dependencies to plugins during initialization.
type Context struct {
	// Coordinators are the running membership coordinators, ordered by
	// membership id.
	Coordinators []*coordinator.Coordinator

	// Config is the loaded configuration. Plugins read their own section.
	Config *config.Config

	// Logger is a structured logger for the plugin to use.
	// Plugins should use logger.Named("pluginname") for namespacing.
	Logger *zap.Logger

	// ReadOnly indicates whether the application is in read-only mode.
	// When true, plugins log status commands instead of pushing them
	// to Divera.
	ReadOnly bool
}

// NewContext creates a new plugin context with all required dependencies.
func NewContext(coordinators []*coordinator.Coordinator, cfg *config.Config, logger *zap.Logger) *Context {
	return &Context{
		Coordinators: coordinators,
		Config:       cfg,
		Logger:       logger,
		ReadOnly:     cfg.ReadOnly,
	}
}
