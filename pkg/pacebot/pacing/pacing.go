// Package pacing delivers a reply the way a person would: a reaction, a
// pause before the message is marked seen, a typing indicator whose length
// follows the reply, and only then the message itself.
package pacing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/pacebot/pkg/pacebot/clock"
	"github.com/jholhewres/pacebot/pkg/pacebot/directive"
)

// Range is a closed duration interval that delays are drawn from.
type Range struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Config holds the pacing delays.
type Config struct {
	// SeenDelay is waited before the inbound message is marked seen.
	SeenDelay Range `yaml:"seen_delay"`

	// Pause is the fixed gap between marking seen and starting to type.
	Pause time.Duration `yaml:"pause"`

	// ReactionDelay is waited before a reaction is sent.
	ReactionDelay Range `yaml:"reaction_delay"`

	// TypingRate is the per-character typing time, drawn once per reply.
	TypingRate Range `yaml:"typing_rate"`

	// TypingCap bounds the typing delay for long replies.
	TypingCap time.Duration `yaml:"typing_cap"`
}

// DefaultConfig returns the default delays.
func DefaultConfig() Config {
	return Config{
		SeenDelay:     Range{Min: 2 * time.Second, Max: 5 * time.Second},
		Pause:         time.Second,
		ReactionDelay: Range{Min: time.Second, Max: 3 * time.Second},
		TypingRate:    Range{Min: 50 * time.Millisecond, Max: 100 * time.Millisecond},
		TypingCap:     15 * time.Second,
	}
}

// Validate reports inverted or negative ranges.
func (c Config) Validate() error {
	for name, r := range map[string]Range{
		"seen_delay":     c.SeenDelay,
		"reaction_delay": c.ReactionDelay,
		"typing_rate":    c.TypingRate,
	} {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("pacing.%s: invalid range [%s, %s]", name, r.Min, r.Max)
		}
	}
	if c.Pause < 0 || c.TypingCap < 0 {
		return fmt.Errorf("pacing: pause and typing_cap must not be negative")
	}
	return nil
}

// Actions are the transport capabilities the pipeline drives. Nil actions
// are skipped.
type Actions struct {
	Seen      func(ctx context.Context) error
	TypingOn  func(ctx context.Context) error
	TypingOff func(ctx context.Context) error
	Send      func(ctx context.Context, text string) error
	React     func(ctx context.Context, glyph string) error

	// Forward notifies the operator about a business message. It runs
	// alongside the delivery and never delays it.
	Forward func(ctx context.Context) error
}

// Delivery is one reply to pace out.
type Delivery struct {
	ConversationID string
	Reply          string
	Directives     directive.Set
	Actions        Actions
}

// Pipeline sequences deliveries. A single Pipeline serves every
// conversation; deliveries for different conversations may overlap.
type Pipeline struct {
	cfg     Config
	clock   clock.Clock
	draw    clock.DurationSource
	keyword string
	logger  *slog.Logger

	forwards sync.WaitGroup
}

// New creates a pipeline. keyword is the reserved business token, which is
// never sent as a reaction.
func New(cfg Config, clk clock.Clock, keyword string, logger *slog.Logger) *Pipeline {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		clock:   clk,
		draw:    clock.Uniform,
		keyword: keyword,
		logger:  logger.With("component", "pacing"),
	}
}

// SetDurationSource replaces the delay randomness (used by tests).
func (p *Pipeline) SetDurationSource(src clock.DurationSource) {
	p.draw = src
}

// TypingDelay returns how long typing is shown for reply at the given
// per-character rate.
func (p *Pipeline) TypingDelay(reply string, rate time.Duration) time.Duration {
	d := time.Duration(utf8.RuneCountInString(reply)) * rate
	if p.cfg.TypingCap > 0 && d > p.cfg.TypingCap {
		return p.cfg.TypingCap
	}
	return d
}

// Deliver runs the pacing sequence. Only a failed send or a cancelled
// context is returned; seen, typing and reaction failures are logged. A
// business forward starts once the reply has gone out and runs in the
// background.
func (p *Pipeline) Deliver(ctx context.Context, d Delivery) error {
	logger := p.logger.With("conversation", d.ConversationID)

	if err := p.deliver(ctx, logger, d); err != nil {
		return err
	}
	if d.Directives.Business && d.Actions.Forward != nil {
		p.forward(ctx, logger, d.Actions.Forward)
	}
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, logger *slog.Logger, d Delivery) error {
	if glyph := d.Directives.Reaction; glyph != "" && !directive.IsReserved(glyph, p.keyword) && d.Actions.React != nil {
		if err := p.clock.Sleep(ctx, p.draw(p.cfg.ReactionDelay.Min, p.cfg.ReactionDelay.Max)); err != nil {
			return fmt.Errorf("pacing interrupted: %w", err)
		}
		if err := d.Actions.React(ctx, glyph); err != nil {
			logger.Warn("reaction failed", "glyph", glyph, "error", err)
		}
	}

	if err := p.clock.Sleep(ctx, p.draw(p.cfg.SeenDelay.Min, p.cfg.SeenDelay.Max)); err != nil {
		return fmt.Errorf("pacing interrupted: %w", err)
	}
	p.step(ctx, logger, "seen", d.Actions.Seen)

	if d.Reply == "" {
		logger.Debug("empty reply, skipping typing and send")
		return nil
	}

	if err := p.clock.Sleep(ctx, p.cfg.Pause); err != nil {
		return fmt.Errorf("pacing interrupted: %w", err)
	}

	p.step(ctx, logger, "typing on", d.Actions.TypingOn)
	rate := p.draw(p.cfg.TypingRate.Min, p.cfg.TypingRate.Max)
	if err := p.clock.Sleep(ctx, p.TypingDelay(d.Reply, rate)); err != nil {
		return fmt.Errorf("pacing interrupted: %w", err)
	}
	p.step(ctx, logger, "typing off", d.Actions.TypingOff)

	if d.Actions.Send == nil {
		return nil
	}
	if err := d.Actions.Send(ctx, d.Reply); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// Wait blocks until every pending forward has finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.forwards.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) step(ctx context.Context, logger *slog.Logger, name string, action func(context.Context) error) {
	if action == nil {
		return
	}
	if err := action(ctx); err != nil {
		logger.Warn(name+" failed", "error", err)
	}
}

func (p *Pipeline) forward(ctx context.Context, logger *slog.Logger, fn func(context.Context) error) {
	fctx := context.WithoutCancel(ctx)
	p.forwards.Add(1)
	go func() {
		defer p.forwards.Done()
		if err := fn(fctx); err != nil {
			logger.Error("business forward failed", "error", err)
			return
		}
		logger.Info("business message forwarded")
	}()
}
