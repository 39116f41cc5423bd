package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deflax/muxengine/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing muxengine configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  muxengine config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, ./configs/config.yaml, /etc/muxengine/config.yaml)
  - Environment variables (MUXENGINE_SERVER_PORT, MUXENGINE_HLS_OUTPUT_DIR, etc.)
  - Command-line flags (for some options)

Environment variables use the MUXENGINE_ prefix and underscores for nesting.
Example: server.port -> MUXENGINE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# muxengine Configuration File")
	fmt.Println("# ============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   MUXENGINE_API_URL")
	fmt.Println("#   MUXENGINE_HLS_OUTPUT_DIR, MUXENGINE_HLS_SEGMENT_TIME, MUXENGINE_HLS_LIST_SIZE")
	fmt.Println("#   MUXENGINE_MUX_MODE, MUXENGINE_MUX_ABR_PRESET")
	fmt.Println("#   MUXENGINE_SERVER_HOST, MUXENGINE_SERVER_PORT")
	fmt.Println("#   MUXENGINE_LOGGING_LEVEL, MUXENGINE_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
