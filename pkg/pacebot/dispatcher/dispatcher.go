// Package dispatcher handles one inbound message end to end: gate, admission,
// context assembly, generation, directive extraction, paced delivery and
// bookkeeping. Every failure is logged and swallowed.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
	"github.com/jholhewres/pacebot/pkg/pacebot/clock"
	"github.com/jholhewres/pacebot/pkg/pacebot/directive"
	"github.com/jholhewres/pacebot/pkg/pacebot/inflight"
	"github.com/jholhewres/pacebot/pkg/pacebot/llm"
	"github.com/jholhewres/pacebot/pkg/pacebot/memory"
	"github.com/jholhewres/pacebot/pkg/pacebot/pacing"
	"github.com/jholhewres/pacebot/pkg/pacebot/persona"
	"github.com/jholhewres/pacebot/pkg/pacebot/quota"
)

// Outcomes reported to Metrics.
const (
	OutcomeReplied         = "replied"
	OutcomeBusy            = "busy"
	OutcomeRejected        = "rejected"
	OutcomeDeferred        = "deferred"
	OutcomeGenerationError = "generation_error"
	OutcomeTransportError  = "transport_error"
	OutcomeSendError       = "send_error"
	OutcomePanic           = "panic"
)

// Config controls dispatch behaviour.
type Config struct {
	// Window is the number of turns sent to generation, including the
	// inbound message itself.
	Window int

	// DeferOnCooldown re-dispatches a message rejected for cooldown once the
	// cooldown ends. Only the latest deferred message per conversation is
	// kept. Other rejections are always dropped.
	DeferOnCooldown bool

	// MaxForwardingScore drops messages forwarded more often than this.
	// Zero disables the check.
	MaxForwardingScore int

	BusinessKeyword string

	// OperatorChat receives business forwards; empty disables forwarding.
	OperatorChat  string
	OperatorAlias string
}

// Generator produces a reply for an ordered list of messages.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (llm.Reply, error)
}

// Transports resolves the outbound actions of a channel.
type Transports interface {
	Transport(channel string) (channels.Transport, error)
}

// Metrics receives dispatch events. All methods must be safe for
// concurrent use.
type Metrics interface {
	Ignored(reason string)
	Admission(reason quota.Reason)
	Outcome(outcome string)
	Generation(d time.Duration, err error)
}

// Deps are the collaborators of a Dispatcher. Metrics and Clock are
// optional.
type Deps struct {
	Gate       *inflight.Tracker
	Limiter    *quota.Limiter
	Memory     *memory.Store
	Personas   *persona.Resolver
	Generator  Generator
	Pacer      *pacing.Pipeline
	Transports Transports
	Clock      clock.Clock
	Metrics    Metrics
	Logger     *slog.Logger
}

// Dispatcher coordinates the handling of inbound messages. Dispatch may be
// called concurrently; messages for different conversations run in
// parallel.
type Dispatcher struct {
	cfg  Config
	deps Deps

	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	deferred map[string]*pendingEvent
	running  sync.WaitGroup
}

type pendingEvent struct {
	ctx   context.Context
	msg   *channels.IncomingMessage
	timer clock.Timer
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.Window <= 0 {
		cfg.Window = memory.DefaultConfig().Window
	}
	if cfg.BusinessKeyword == "" {
		cfg.BusinessKeyword = directive.DefaultBusinessKeyword
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "dispatcher"),
		deferred: make(map[string]*pendingEvent),
	}
}

// Dispatch handles msg to completion. It never returns an error and never
// panics; after Close it is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *channels.IncomingMessage) {
	if reason := d.ignoreReason(msg); reason != "" {
		d.deps.Metrics.Ignored(reason)
		if msg != nil {
			d.logger.Debug("inbound message ignored", "reason", reason, "channel", msg.Channel, "from", msg.From)
		}
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.running.Add(1)
	d.mu.Unlock()
	defer d.running.Done()

	logger := d.logger.With(
		"dispatch_id", uuid.NewString(),
		"channel", msg.Channel,
		"conversation", msg.ConversationID(),
	)
	d.handle(ctx, msg, logger)
}

func (d *Dispatcher) handle(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			d.deps.Metrics.Outcome(OutcomePanic)
			logger.Error("dispatch panicked", "panic", fmt.Sprint(r))
		}
	}()

	conv := msg.ConversationID()
	if !d.deps.Gate.TryAcquire(conv) {
		d.deps.Metrics.Outcome(OutcomeBusy)
		logger.Info("conversation busy, dropping message")
		return
	}
	defer d.deps.Gate.Release(conv)

	logger.Info("message received", "from", msg.From, "length", len(msg.Content))

	decision := d.deps.Limiter.Admit(conv, d.deps.Clock.Now())
	d.deps.Metrics.Admission(decision.Reason)
	if !decision.Allowed {
		if decision.Reason == quota.ReasonCooldown && d.cfg.DeferOnCooldown {
			d.deferMessage(ctx, msg, decision.RetryAfter)
			d.deps.Metrics.Outcome(OutcomeDeferred)
			logger.Info("cooldown active, reply deferred", "retry_after", decision.RetryAfter.Round(time.Millisecond))
			return
		}
		d.deps.Metrics.Outcome(OutcomeRejected)
		logger.Info("reply not admitted", "reason", decision.Reason, "retry_after", decision.RetryAfter)
		return
	}

	// The global slot stays reserved until the reply is recorded.
	accepted := false
	defer func() {
		if !accepted {
			d.deps.Limiter.Release(conv)
		}
	}()

	transport, err := d.deps.Transports.Transport(msg.Channel)
	if err != nil {
		d.deps.Metrics.Outcome(OutcomeTransportError)
		logger.Error("no transport for message", "error", err)
		return
	}

	start := time.Now()
	reply, err := d.deps.Generator.Generate(ctx, d.buildRequest(conv, msg.Content))
	d.deps.Metrics.Generation(time.Since(start), err)
	if err != nil {
		d.deps.Metrics.Outcome(OutcomeGenerationError)
		logger.Error("generation failed", "error", err)
		return
	}

	text, set := d.postProcess(reply)
	ref := msg.Ref()
	delivery := pacing.Delivery{
		ConversationID: conv,
		Reply:          text,
		Directives:     set,
		Actions:        d.actions(transport, ref, text),
	}
	if err := d.deps.Pacer.Deliver(ctx, delivery); err != nil {
		d.deps.Metrics.Outcome(OutcomeSendError)
		logger.Error("reply delivery failed", "error", err)
		return
	}

	d.deps.Memory.Append(conv, memory.RoleUser, msg.Content)
	if text != "" {
		d.deps.Memory.Append(conv, memory.RoleAssistant, text)
	}
	d.deps.Limiter.Accept(conv, d.deps.Clock.Now())
	accepted = true

	d.deps.Metrics.Outcome(OutcomeReplied)
	logger.Info("reply delivered",
		"reply_length", len(text),
		"reaction", set.Reaction,
		"business", set.Business,
		"structured", reply.Structured,
	)
}

// Close stops accepting messages, cancels deferred retries and waits for
// running dispatches and pending forwards until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	dropped := len(d.deferred)
	for id, p := range d.deferred {
		p.timer.Stop()
		delete(d.deferred, id)
	}
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Info("dropped deferred messages on shutdown", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for running dispatches: %w", ctx.Err())
	}
	return d.deps.Pacer.Wait(ctx)
}

// Deferred returns the number of messages waiting for a cooldown to end.
func (d *Dispatcher) Deferred() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deferred)
}

func (d *Dispatcher) ignoreReason(msg *channels.IncomingMessage) string {
	switch {
	case msg == nil:
		return "nil"
	case msg.FromMe:
		return "own"
	case msg.Type == channels.MessageGIF:
		return "gif"
	case strings.TrimSpace(msg.Content) == "":
		return "empty"
	case d.cfg.MaxForwardingScore > 0 && msg.ForwardingScore > d.cfg.MaxForwardingScore:
		return "forwarded"
	}
	return ""
}

// deferMessage schedules msg to be dispatched again after wait, replacing
// any message already waiting for the same conversation.
func (d *Dispatcher) deferMessage(ctx context.Context, msg *channels.IncomingMessage, wait time.Duration) {
	conv := msg.ConversationID()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if prev, ok := d.deferred[conv]; ok {
		prev.timer.Stop()
	}
	p := &pendingEvent{ctx: ctx, msg: msg}
	p.timer = d.deps.Clock.AfterFunc(wait, func() { d.fireDeferred(conv, p) })
	d.deferred[conv] = p
}

func (d *Dispatcher) fireDeferred(conv string, p *pendingEvent) {
	d.mu.Lock()
	if d.deferred[conv] != p {
		d.mu.Unlock()
		return
	}
	delete(d.deferred, conv)
	d.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	d.Dispatch(p.ctx, p.msg)
}

// buildRequest assembles persona, the recent window and the inbound text.
func (d *Dispatcher) buildRequest(conv, inbound string) []llm.Message {
	window := d.deps.Memory.RecentWindow(conv, d.cfg.Window-1)
	msgs := make([]llm.Message, 0, len(window)+2)

	if p := d.deps.Personas.Resolve(conv); p != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: p})
	}
	for _, t := range window {
		role := llm.RoleUser
		if t.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: inbound})
}

// postProcess strips tags and settles the directives. A structured reply
// supplies its own directives; inline tags are still honoured as a
// fallback and always removed from the text.
func (d *Dispatcher) postProcess(r llm.Reply) (string, directive.Set) {
	text, inline := directive.Extract(r.Text, d.cfg.BusinessKeyword)
	if !r.Structured {
		return text, inline
	}
	set := directive.Set{Reaction: r.Reaction, Business: r.Business || inline.Business}
	if set.Reaction == "" {
		set.Reaction = inline.Reaction
	}
	return text, set
}

func (d *Dispatcher) actions(t channels.Transport, ref channels.MessageRef, reply string) pacing.Actions {
	a := pacing.Actions{
		Seen:      func(ctx context.Context) error { return t.SendSeen(ctx, ref) },
		TypingOn:  func(ctx context.Context) error { return t.SetTyping(ctx, ref.ChatID) },
		TypingOff: func(ctx context.Context) error { return t.ClearTyping(ctx, ref.ChatID) },
		Send:      func(ctx context.Context, text string) error { return t.SendReply(ctx, ref, text) },
		React:     func(ctx context.Context, glyph string) error { return t.SendReaction(ctx, ref, glyph) },
	}
	if d.cfg.OperatorChat != "" {
		text := ForwardText(d.cfg.OperatorAlias, ref.SenderID, ref.Content, reply)
		a.Forward = func(ctx context.Context) error {
			return t.SendToOperator(ctx, d.cfg.OperatorChat, text)
		}
	}
	return a
}

// ForwardText formats the operator notification for a business message.
func ForwardText(alias, sender, inbound, reply string) string {
	return fmt.Sprintf("Hey %s, you likely have a business message from %s saying... \"%s\" and i replied saying... \"%s\".",
		alias, sender, inbound, reply)
}

type nopMetrics struct{}

func (nopMetrics) Ignored(string)                  {}
func (nopMetrics) Admission(quota.Reason)          {}
func (nopMetrics) Outcome(string)                  {}
func (nopMetrics) Generation(time.Duration, error) {}
