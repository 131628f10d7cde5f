package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pacebot/pkg/pacebot/bot"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/console"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/whatsapp"
	"github.com/jholhewres/pacebot/pkg/pacebot/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the messaging channels and start replying",
		Long: `Start pacebot as a service on the enabled channels.

Examples:
  pacebot serve
  pacebot serve --channel whatsapp,discord
  pacebot serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, discord, console)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cmd, cfg, nil)
	if err != nil {
		return err
	}
	defer closer.Close()

	if path == "" {
		logger.Warn("no config file found, using defaults", "hint", "run 'pacebot setup'")
	} else {
		logger.Info("config loaded", "path", path)
	}
	config.ResolveAPIKey(cfg, logger)

	names := cfg.Channels.Enabled
	if filter, _ := cmd.Flags().GetStringSlice("channel"); len(filter) > 0 {
		names = filter
	}
	return runBot(cfg, names, logger)
}

// runBot starts the bot on the named channels and blocks until a signal
// arrives or the console session ends.
func runBot(cfg *config.Config, names []string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bot.New(cfg, logger)
	if err != nil {
		return err
	}

	chs, err := bot.BuildChannels(cfg.Channels, names, logger)
	if err != nil {
		_ = b.Stop(context.Background())
		return err
	}

	var consoleDone <-chan struct{}
	for _, ch := range chs {
		if err := b.Register(ch); err != nil {
			_ = b.Stop(context.Background())
			return err
		}
		switch c := ch.(type) {
		case *whatsapp.WhatsApp:
			go printLogin(ctx, c)
		case *console.Console:
			consoleDone = c.Done()
		}
	}

	if err := b.Start(ctx); err != nil {
		_ = b.Stop(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}
	if addr := b.OpsAddr(); addr != "" {
		logger.Info("ops endpoints available", "url", "http://"+addr)
	}
	logger.Info("pacebot running. Press Ctrl+C to stop.", "channels", names)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping...")
	case <-consoleDone:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.ShutdownTimeout)
	defer cancel()
	return b.Stop(shutdownCtx)
}

// printLogin shows WhatsApp login codes on the terminal.
func printLogin(ctx context.Context, wa *whatsapp.WhatsApp) {
	events, unsubscribe := wa.SubscribeLogin()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case "code":
				fmt.Println()
				fmt.Println("WhatsApp login required. Render this code as a QR and scan it")
				fmt.Println("from WhatsApp > Linked devices, or set channels.whatsapp.pair_phone:")
				fmt.Println(evt.Code)
				fmt.Println()
			case "pair_code":
				fmt.Printf("\nEnter this code in WhatsApp > Linked devices > Link with phone number: %s\n\n", evt.Code)
			case "success":
				fmt.Println("WhatsApp linked.")
			default:
				fmt.Printf("WhatsApp login %s: %s\n", evt.Type, evt.Message)
			}
		}
	}
}
