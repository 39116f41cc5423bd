// Package cmd implements the CLI commands for muxengine.
package cmd

import (
	"fmt"

	"github.com/deflax/muxengine/internal/config"
	"github.com/deflax/muxengine/internal/observability"
	"github.com/deflax/muxengine/internal/version"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// cfg holds the fully resolved configuration for the running command,
	// populated by initConfig in PersistentPreRunE.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "muxengine",
	Short:   "Continuous HLS mux engine",
	Version: version.Short(),
	Long: `muxengine produces one uninterrupted HLS output while the upstream
source URL changes underneath it.

It consumes a push-based playhead event stream announcing which source is
currently live, runs an ffmpeg process per active source, and stitches their
segments into a single continuous media-sequence so downstream players never
see a restart.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}

// initConfig loads configuration via internal/config.Load and wires up the
// default structured logger before any subcommand runs.
func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}

	cfg = loaded

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	return nil
}
