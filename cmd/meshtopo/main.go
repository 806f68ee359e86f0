package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshtopo/internal/config"
	"github.com/aminovpavel/meshtopo/internal/observability"
)

var (
	cfgFile  string
	logLevel string

	cfg    *config.App
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meshtopo",
	Short: "Meshtastic topology collector and query service",
	Long: `meshtopo ingests Meshtastic MQTT traffic, stores receptions and traceroute
hops in SQLite and serves grouped packets, RF topology graphs and the
longest observed links over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.New(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger = observability.NewLogger(cfg.LogLevel,
			observability.WithJSON(cfg.LogJSON),
			observability.WithWriter(cmd.ErrOrStderr()),
		)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.yaml (or MESHTOPO_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(serveCmd, refreshCmd, replayCmd, compareCmd, decodeRouteCmd, smokeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
