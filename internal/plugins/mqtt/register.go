package mqtt

import (
	"divera/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "mqtt",
		Description: "Publishes Divera entities over MQTT with Home Assistant discovery",
		Priority:    plugin.PriorityDefault,
		Order:       50,
		Enabled:     func(ctx *plugin.Context) bool { return ctx.Config.MQTT.Enabled },
		Factory:     createPlugin,
	})
}

// createPlugin creates a new publisher instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	cfg := ctx.Config.MQTT
	logger := ctx.Logger.Named("mqtt")
	dial := func(avail Availability) (Broker, error) {
		return Dial(cfg, avail, logger)
	}
	topics := Topics{Prefix: cfg.TopicPrefix, DiscoveryPrefix: cfg.DiscoveryPrefix}
	return &pluginAdapter{manager: NewManager(dial, ctx.Coordinators, topics, ctx.Logger, ctx.ReadOnly)}, nil
}

// pluginAdapter wraps the Manager to implement the plugin.Plugin interface.
type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string {
	return "mqtt"
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
