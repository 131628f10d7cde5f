package commands

import (
	"github.com/spf13/cobra"

	"github.com/jholhewres/pacebot/pkg/pacebot/config"
	"github.com/jholhewres/pacebot/pkg/pacebot/pacing"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal",
		Long: `Run the full pipeline against a local console instead of a messaging
network. Typed lines are inbound messages; replies, typing and reactions
are printed. Use /as <name> to switch contact and /quit to leave.

Examples:
  pacebot chat
  pacebot chat --fast`,
		RunE: runChat,
	}

	cmd.Flags().Bool("fast", false, "disable pacing delays and cooldowns")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Keep the prompt readable: only warnings reach the terminal.
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "text"
	cfg.Ops.Enabled = false

	if fast, _ := cmd.Flags().GetBool("fast"); fast {
		makeFast(cfg)
	}

	logger, closer, err := newLogger(cmd, cfg, nil)
	if err != nil {
		return err
	}
	defer closer.Close()

	config.ResolveAPIKey(cfg, logger)
	return runBot(cfg, []string{"console"}, logger)
}

// makeFast removes every artificial delay.
func makeFast(cfg *config.Config) {
	cfg.Pacing = pacing.Config{}
	cfg.RateLimit.MinReplyDelay = 0
	cfg.RateLimit.MaxReplyDelay = 0
}
