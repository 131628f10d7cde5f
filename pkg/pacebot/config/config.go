// Package config defines the pacebot configuration, its defaults and the
// loading chain (YAML file, .env files, environment expansion and the OS
// keyring for secrets).
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels/console"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/discord"
	"github.com/jholhewres/pacebot/pkg/pacebot/channels/whatsapp"
	"github.com/jholhewres/pacebot/pkg/pacebot/directive"
	"github.com/jholhewres/pacebot/pkg/pacebot/llm"
	"github.com/jholhewres/pacebot/pkg/pacebot/memory"
	"github.com/jholhewres/pacebot/pkg/pacebot/observability"
	"github.com/jholhewres/pacebot/pkg/pacebot/pacing"
	"github.com/jholhewres/pacebot/pkg/pacebot/persona"
	"github.com/jholhewres/pacebot/pkg/pacebot/quota"
	"github.com/jholhewres/pacebot/pkg/pacebot/snapshot"
)

// Config holds all bot configuration.
type Config struct {
	// Name identifies the bot in logs and the setup wizard.
	Name string `yaml:"name"`

	Persona     persona.Config             `yaml:"persona"`
	RateLimit   RateLimitConfig            `yaml:"rate_limit"`
	Memory      memory.Config              `yaml:"memory"`
	Pacing      pacing.Config              `yaml:"pacing"`
	LLM         llm.Config                 `yaml:"llm"`
	Inbound     InboundConfig              `yaml:"inbound"`
	Business    BusinessConfig             `yaml:"business"`
	Persistence PersistenceConfig          `yaml:"persistence"`
	Channels    ChannelsConfig             `yaml:"channels"`
	Ops         observability.ServerConfig `yaml:"ops"`
	Logging     LoggingConfig              `yaml:"logging"`
}

// RateLimitConfig adds the cooldown fork to the limiter settings.
type RateLimitConfig struct {
	quota.Config `yaml:",inline"`

	// DeferOnCooldown replays a message rejected for cooldown once the
	// cooldown ends instead of dropping it.
	DeferOnCooldown bool `yaml:"defer_on_cooldown"`
}

// InboundConfig filters messages before they reach the limiter.
type InboundConfig struct {
	// MaxForwardingScore ignores messages forwarded more often than this
	// (0 disables the check).
	MaxForwardingScore int `yaml:"max_forwarding_score"`
}

// BusinessConfig configures the business-message forward.
type BusinessConfig struct {
	// Keyword is the reserved directive that flags a business message.
	Keyword string `yaml:"keyword"`

	// OperatorChat receives the forward; empty disables it.
	OperatorChat string `yaml:"operator_chat"`

	// OperatorAlias is how the forward addresses the operator.
	OperatorAlias string `yaml:"operator_alias"`
}

// PersistenceConfig configures snapshots and housekeeping.
type PersistenceConfig struct {
	snapshot.Config `yaml:",inline"`

	// FlushInterval is how often dirty stores are written.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// SweepInterval is how often stale quota records are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ShutdownTimeout bounds the wait for running dispatches at shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ChannelsConfig holds the transports.
type ChannelsConfig struct {
	// Enabled lists the transports `serve` starts.
	Enabled []string `yaml:"enabled"`

	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
	Console  console.Config  `yaml:"console"`
}

// KnownChannels are the transports that can be enabled.
var KnownChannels = []string{"whatsapp", "discord", "console"}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// File additionally appends log lines to this file.
	File string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "pacebot",
		Persona: persona.Config{
			Default: "You are a friendly person chatting on WhatsApp. Keep replies short and natural.",
			File:    "./data/personas.json",
		},
		RateLimit: RateLimitConfig{
			Config:          quota.DefaultConfig(),
			DeferOnCooldown: true,
		},
		Memory: memory.DefaultConfig(),
		Pacing: pacing.DefaultConfig(),
		LLM:    llm.DefaultConfig(),
		Inbound: InboundConfig{
			MaxForwardingScore: 5,
		},
		Business: BusinessConfig{
			Keyword:       directive.DefaultBusinessKeyword,
			OperatorAlias: "boss",
		},
		Persistence: PersistenceConfig{
			Config: snapshot.Config{
				Backend:      "file",
				Dir:          "./data",
				DatabasePath: "./data/pacebot.db",
			},
			FlushInterval:   30 * time.Second,
			SweepInterval:   time.Hour,
			ShutdownTimeout: 30 * time.Second,
		},
		Channels: ChannelsConfig{
			Enabled:  []string{"whatsapp"},
			WhatsApp: whatsapp.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
			Console:  console.DefaultConfig(),
		},
		Ops: observability.DefaultServerConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}
	if err := c.Memory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if err := c.Pacing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pacing: %w", err))
	}
	if c.Inbound.MaxForwardingScore < 0 {
		errs = append(errs, errors.New("inbound: max_forwarding_score must not be negative"))
	}
	if c.Business.Keyword == "" {
		errs = append(errs, errors.New("business: keyword must not be empty"))
	}

	switch c.Persistence.Backend {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("persistence: unknown backend %q", c.Persistence.Backend))
	}
	if c.Persistence.FlushInterval <= 0 || c.Persistence.SweepInterval <= 0 {
		errs = append(errs, errors.New("persistence: flush_interval and sweep_interval must be positive"))
	}

	for _, name := range c.Channels.Enabled {
		if !slices.Contains(KnownChannels, name) {
			errs = append(errs, fmt.Errorf("channels: unknown channel %q", name))
		}
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
