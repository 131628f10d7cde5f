package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
	"github.com/jholhewres/pacebot/pkg/pacebot/config"
	"github.com/jholhewres/pacebot/pkg/pacebot/memory"
	"github.com/jholhewres/pacebot/pkg/pacebot/quota"
	"github.com/jholhewres/pacebot/pkg/pacebot/snapshot"
)

// Status is a point-in-time summary served on /v1/status and printed by
// `pacebot status`.
type Status struct {
	Name          string                           `json:"name"`
	Uptime        string                           `json:"uptime,omitempty"`
	Channels      map[string]channels.HealthStatus `json:"channels,omitempty"`
	Conversations int                              `json:"conversations"`
	Quota         quota.Stats                      `json:"quota"`
	InFlight      int                              `json:"in_flight"`
	Deferred      int                              `json:"deferred"`

	// RepliesLastHour and RepliesLastDay sum the per-conversation history;
	// they survive restarts, unlike the global counters in Quota.
	RepliesLastHour int `json:"replies_last_hour"`
	RepliesLastDay  int `json:"replies_last_day"`
	CoolingDown     int `json:"cooling_down"`
}

// Status reports the live state of the bot.
func (b *Bot) Status() Status {
	now := b.clock.Now()
	s := Status{
		Name:          b.cfg.Name,
		Channels:      b.channels.HealthAll(),
		Conversations: b.memory.Conversations(),
		Quota:         b.limiter.Stats(now),
		InFlight:      b.gate.Busy(),
		Deferred:      b.dispatcher.Deferred(),
	}
	s.addRecords(b.limiter.Records(), now)
	if !b.startedAt.IsZero() {
		s.Uptime = now.Sub(b.startedAt).Truncate(time.Second).String()
	}
	return s
}

// Inspect reads the persisted snapshots without starting the bot.
func Inspect(ctx context.Context, cfg *config.Config, now time.Time) (Status, error) {
	backend, err := snapshot.Open(cfg.Persistence.Config)
	if err != nil {
		return Status{}, fmt.Errorf("opening snapshot backend: %w", err)
	}
	defer backend.Close()

	// Snapshot loading logs at info; keep the CLI output clean.
	quiet := slog.New(slog.DiscardHandler)

	limiter := quota.NewLimiter(cfg.RateLimit.Config, backend, quiet)
	if err := limiter.Load(ctx); err != nil {
		return Status{}, err
	}
	store := memory.NewStore(cfg.Memory.MaxPerChat, backend, quiet)
	if err := store.Load(ctx); err != nil {
		return Status{}, err
	}

	s := Status{
		Name:          cfg.Name,
		Conversations: store.Conversations(),
		Quota:         limiter.Stats(now),
	}
	s.addRecords(limiter.Records(), now)
	return s, nil
}

func (s *Status) addRecords(records map[string]quota.Record, now time.Time) {
	hourAgo, dayAgo := now.Add(-time.Hour), now.Add(-24*time.Hour)
	for _, rec := range records {
		for _, t := range rec.Recent {
			if t.After(dayAgo) {
				s.RepliesLastDay++
			}
			if t.After(hourAgo) {
				s.RepliesLastHour++
			}
		}
		if !rec.LastReply.IsZero() && now.Before(rec.LastReply.Add(rec.Cooldown)) {
			s.CoolingDown++
		}
	}
}
