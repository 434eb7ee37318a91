package influx

import (
	"divera/internal/clock"
	"divera/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "influx",
		Description: "Writes status changes, alarms and poll results to InfluxDB",
		Priority:    plugin.PriorityDefault,
		Order:       20,
		Enabled:     func(ctx *plugin.Context) bool { return ctx.Config.InfluxDB.Enabled },
		Factory:     createPlugin,
	})
}

// createPlugin creates a new recorder instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	cfg := ctx.Config.InfluxDB
	logger := ctx.Logger.Named("influx")
	dial := func() (*Connection, error) {
		return Dial(cfg, logger)
	}
	return &pluginAdapter{manager: NewManager(dial, ctx.Coordinators, clock.NewRealClock(), ctx.Logger)}, nil
}

// pluginAdapter wraps the Manager to implement the plugin.Plugin interface.
type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string {
	return "influx"
}

func (p *pluginAdapter) Start() error {
	return p.manager.Start()
}

func (p *pluginAdapter) Stop() {
	p.manager.Stop()
}
