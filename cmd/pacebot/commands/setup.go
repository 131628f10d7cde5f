package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pacebot/pkg/pacebot/config"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create config.yaml interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = "config.yaml"
			}
			return runSetup(path)
		},
	}
}

// setupAnswers are the values the wizard asks for.
type setupAnswers struct {
	name         string
	persona      string
	channels     []string
	discordToken string
	pairPhone    string
	operatorChat string
	backend      string
	apiKey       string
	useKeyring   bool
}

func runSetup(path string) error {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		existing, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = existing
	}

	a := setupAnswers{
		name:       cfg.Name,
		persona:    cfg.Persona.Default,
		channels:   cfg.Channels.Enabled,
		backend:    cfg.Persistence.Backend,
		pairPhone:  cfg.Channels.WhatsApp.PairPhone,
		useKeyring: true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Value(&a.name),
			huh.NewText().
				Title("Default persona").
				Description("System instruction used for every contact without an override.").
				Value(&a.persona),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels").
				Options(huh.NewOptions(config.KnownChannels...)...).
				Value(&a.channels).
				Validate(func(v []string) error {
					if len(v) == 0 {
						return errors.New("pick at least one channel")
					}
					return nil
				}),
			huh.NewInput().
				Title("WhatsApp pairing phone (optional)").
				Description("Digits only. Leave empty to log in with a QR code.").
				Value(&a.pairPhone),
			huh.NewInput().
				Title("Discord bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&a.discordToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Operator chat (optional)").
				Description("Business messages are forwarded here.").
				Value(&a.operatorChat),
			huh.NewSelect[string]().
				Title("Where to keep conversation snapshots").
				Options(
					huh.NewOption("JSON files", "file"),
					huh.NewOption("SQLite database", "sqlite"),
				).
				Value(&a.backend),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("LLM API key").
				Description("Gemini or any OpenAI-compatible endpoint.").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
			huh.NewConfirm().
				Title("Store the key in the OS keyring?").
				Value(&a.useKeyring),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	if err := applyAnswers(cfg, a); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n", path)
	fmt.Println("Start with: pacebot serve")
	return nil
}

// applyAnswers copies the wizard answers into cfg and stores the API key.
func applyAnswers(cfg *config.Config, a setupAnswers) error {
	cfg.Name = strings.TrimSpace(a.name)
	cfg.Persona.Default = strings.TrimSpace(a.persona)
	cfg.Channels.Enabled = a.channels
	cfg.Channels.WhatsApp.PairPhone = strings.TrimSpace(a.pairPhone)
	if tok := strings.TrimSpace(a.discordToken); tok != "" {
		cfg.Channels.Discord.Token = tok
	}
	cfg.Business.OperatorChat = strings.TrimSpace(a.operatorChat)
	cfg.Persistence.Backend = a.backend

	key := strings.TrimSpace(a.apiKey)
	switch {
	case key == "":
	case a.useKeyring:
		if err := config.StoreAPIKey(key); err != nil {
			return err
		}
		cfg.LLM.APIKey = ""
	default:
		cfg.LLM.APIKey = key
	}
	return cfg.Validate()
}
