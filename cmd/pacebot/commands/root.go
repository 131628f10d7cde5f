// Package commands implements the pacebot CLI with cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pacebot/pkg/pacebot/config"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pacebot",
		Short: "Conversational bot that replies at a human pace",
		Long: `pacebot answers chat messages with an LLM while pacing itself like a
person: it waits before reading, types for a while, reacts now and then
and never replies too often to the same contact.

Examples:
  pacebot setup
  pacebot serve --channel whatsapp
  pacebot chat
  pacebot status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig reads --config or the first config file found. Without any
// file the defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.Find()
	}

	cfg, err := config.Load(path)
	if err != nil {
		if path != "" {
			return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the logger from the config and --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config, out io.Writer) (*slog.Logger, io.Closer, error) {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if out == nil {
		out = os.Stderr
	}
	logger, closer, err := config.NewLogger(cfg.Logging, verbose, out)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}
