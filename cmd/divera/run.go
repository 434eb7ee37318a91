package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"divera/internal/api"
	"divera/internal/config"
	"divera/internal/plugins/history"
	"divera/pkg/plugin"

	// Publishers register themselves with the plugin registry.
	_ "divera/internal/plugins/hass"
	_ "divera/internal/plugins/influx"
	_ "divera/internal/plugins/mqtt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll Divera and publish until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return run(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting Divera bridge",
		zap.String("base_url", cfg.Divera.BaseURL),
		zap.Bool("read_only", cfg.ReadOnly))
	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no status changes will be sent to Divera")
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.Divera.Timeout*2)
	group, err := startGroup(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer group.Stop()

	coordinators := group.Coordinators()
	for _, c := range coordinators {
		c.OnAuthFailure(func(ucrID int, err error) {
			logger.Error("Divera rejected the access key; polling stopped for membership",
				zap.Int("ucr_id", ucrID),
				zap.Error(err))
		})
	}

	plugin.SetLogger(logger)
	plugins, err := plugin.CreateAll(plugin.NewContext(coordinators, cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to create plugins: %w", err)
	}
	if err := plugin.StartAll(plugins); err != nil {
		return fmt.Errorf("failed to start plugins: %w", err)
	}
	defer plugin.StopAll(plugins)

	logger.Info("Plugins started", zap.Strings("plugins", pluginNames(plugins)))

	if cfg.API.Enabled {
		server := api.NewServer(coordinators, apiOptions(cfg, plugins), logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("HTTP server did not stop cleanly", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Bridge running. Press Ctrl+C to exit.", zap.Int("memberships", len(coordinators)))

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	return nil
}

func pluginNames(plugins []plugin.Plugin) []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	return names
}

type storeProvider interface {
	Store() *history.Store
}

// liveHistory reads from the history plugin's store, which only exists
// while the plugin runs.
type liveHistory struct {
	provider storeProvider
}

var errHistoryClosed = errors.New("history store is closed")

func (h liveHistory) Alarms(ctx context.Context, ucrID, limit int) ([]history.AlarmRecord, error) {
	store := h.provider.Store()
	if store == nil {
		return nil, errHistoryClosed
	}
	return store.Alarms(ctx, ucrID, limit)
}

func apiOptions(cfg *config.Config, plugins []plugin.Plugin) api.Options {
	opts := api.Options{
		Listen:     cfg.API.Listen,
		ReadOnly:   cfg.ReadOnly,
		Publishers: make(map[string]api.HealthReporter),
	}
	for _, p := range plugins {
		if sp, ok := p.(storeProvider); ok {
			opts.History = liveHistory{provider: sp}
		}
		if hr, ok := p.(plugin.HealthReporter); ok {
			opts.Publishers[p.Name()] = hr
		}
	}
	return opts
}
