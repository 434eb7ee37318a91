package hass

import (
	"divera/internal/ha"
	"divera/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "hass",
		Description: "Mirrors Divera entities into Home Assistant input helpers",
		Priority:    plugin.PriorityDefault,
		Order:       50,
		Enabled:     func(ctx *plugin.Context) bool { return ctx.Config.HomeAssistant.Enabled },
		Factory:     createPlugin,
	})
}

// createPlugin creates a new publisher instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	cfg := ctx.Config.HomeAssistant
	client := ha.NewClient(cfg.URL, cfg.Token, ctx.Logger)
	manager := NewManager(client, ctx.Coordinators, cfg.EntityPrefix, ctx.Logger, ctx.ReadOnly)
	return &pluginAdapter{manager: manager}, nil
}

// pluginAdapter wraps the Manager to implement the plugin.Plugin interface.
type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string {
	return "hass"
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
