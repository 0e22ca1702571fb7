// Package cmd implements the claudego command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claudego/server/config"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "claudego",
	Short: "Remote control panel for terminal coding agents",
	Long: `claudego mediates between a coding agent running in a terminal and
remote observers. It tracks the agent's questions, plan approvals and tool
permission requests, lets observers answer them, and types the answers
into the agent's terminal.

Settings are read from compiled defaults, then the file given by --config
(.yaml or .toml), then the environment, then command-line flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (.yaml, .yml or .toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads defaults, file and environment. Flags are applied by
// each command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", cmd.CommandPath())
	}
	return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
}
