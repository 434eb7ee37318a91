package history

import (
	"divera/internal/clock"
	"divera/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "history",
		Description: "Records alarms and status changes in SQLite",
		Priority:    plugin.PriorityDefault,
		Order:       20, // before publishers so the first update is stored
		Enabled:     func(ctx *plugin.Context) bool { return ctx.Config.History.Enabled },
		Factory:     createPlugin,
	})
}

// createPlugin creates a new recorder instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	manager := NewManager(ctx.Config.History.Path, ctx.Coordinators, clock.NewRealClock(), ctx.Logger)
	return &pluginAdapter{manager: manager}, nil
}

// pluginAdapter wraps the Manager to implement the plugin.Plugin interface.
type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string {
	return "history"
}

func (p *pluginAdapter) Start() error {
	return p.manager.Start()
}

func (p *pluginAdapter) Stop() {
	p.manager.Stop()
}

// Implement plugin.HealthReporter
func (p *pluginAdapter) Healthy() bool {
	return p.manager.Healthy()
}

// Store gives the HTTP API read access to the recorded history.
func (p *pluginAdapter) Store() *Store {
	return p.manager.Store()
}
