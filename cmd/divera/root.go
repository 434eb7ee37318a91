package main

import (
	"context"
	"fmt"
	"time"

	"divera/internal/clock"
	"divera/internal/config"
	"divera/internal/coordinator"
	"divera/internal/divera"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile    string
	envFiles   []string
	jsonOutput bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "divera",
	Short: "Bridge between Divera 24/7 and Home Assistant",
	Long: `Polls Divera 24/7 for alarms, vehicle and user status and publishes
them to Home Assistant, MQTT, SQLite and InfluxDB.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

// loadConfig loads .env files, the config file and the logger it
// describes.
func loadConfig() (*config.Config, *zap.Logger, error) {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := config.LoadEnvFiles(envFiles...); err != nil {
		if len(envFiles) > 0 {
			return nil, nil, fmt.Errorf("failed to load env files: %w", err)
		}
		bootstrap.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(cfgFile, bootstrap).Load()
	if err != nil {
		return nil, nil, err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// startGroup discovers the configured memberships and starts polling them.
// At least one membership must start.
func startGroup(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*coordinator.Group, error) {
	transport := divera.NewTransport(cfg.Divera.BaseURL, cfg.Divera.Timeout, logger)

	discovery, err := coordinator.Discover(ctx, transport, cfg.Divera.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	memberships, err := coordinator.ResolveMemberships(discovery, cfg.Divera.Clusters, cfg.Divera.UCRIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range memberships {
		logger.Info("Membership selected",
			zap.Int("ucr_id", m.UCRID),
			zap.String("cluster", m.ClusterName))
	}

	group, err := coordinator.NewGroup(transport, cfg.Divera.AccessKey, memberships, cfg.Divera.Interval, clock.NewRealClock(), logger)
	if err != nil {
		return nil, err
	}
	if err := group.Start(ctx); err != nil && len(group.Coordinators()) == 0 {
		return nil, err
	}
	return group, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}
