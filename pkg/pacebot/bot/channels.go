package bot

import (
	"fmt"
	"log/slog"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/console"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/discord"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/whatsapp"
	"github.com/jholhewres/pacebot/pkg/pacebot/config"
)

// BuildChannels creates the named transports from their config sections.
func BuildChannels(cfg config.ChannelsConfig, names []string, logger *slog.Logger) ([]channels.Channel, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no channels enabled")
	}

	seen := make(map[string]bool, len(names))
	out := make([]channels.Channel, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "whatsapp":
			out = append(out, whatsapp.New(cfg.WhatsApp, logger))
		case "discord":
			out = append(out, discord.New(cfg.Discord, logger))
		case "console":
			out = append(out, console.New(cfg.Console, logger))
		default:
			return nil, fmt.Errorf("unknown channel %q", name)
		}
	}
	return out, nil
}
