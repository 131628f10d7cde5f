// Package bot assembles the pacebot runtime: persistence, the admission
// limiter, conversation memory, personas, the reply generator, the pacing
// pipeline, the transports and the housekeeping scheduler, and drives the
// inbound message loop.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
	"github.com/jholhewres/pacebot/pkg/pacebot/clock"
	"github.com/jholhewres/pacebot/pkg/pacebot/config"
	"github.com/jholhewres/pacebot/pkg/pacebot/dispatcher"
	"github.com/jholhewres/pacebot/pkg/pacebot/inflight"
	"github.com/jholhewres/pacebot/pkg/pacebot/llm"
	"github.com/jholhewres/pacebot/pkg/pacebot/memory"
	"github.com/jholhewres/pacebot/pkg/pacebot/observability"
	"github.com/jholhewres/pacebot/pkg/pacebot/pacing"
	"github.com/jholhewres/pacebot/pkg/pacebot/persona"
	"github.com/jholhewres/pacebot/pkg/pacebot/quota"
	"github.com/jholhewres/pacebot/pkg/pacebot/scheduler"
	"github.com/jholhewres/pacebot/pkg/pacebot/snapshot"
)

// Housekeeping job names.
const (
	JobFlushMemory = "flush_memory"
	JobFlushQuota  = "flush_quota"
	JobSweepQuota  = "sweep_quota"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "pacebot"

// Option customizes a Bot.
type Option func(*Bot)

// WithGenerator replaces the LLM client.
func WithGenerator(g dispatcher.Generator) Option {
	return func(b *Bot) { b.generator = g }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(b *Bot) { b.clock = c }
}

// WithBackend uses an already opened snapshot backend instead of the
// configured one. The bot still closes it on Stop.
func WithBackend(backend snapshot.Backend) Option {
	return func(b *Bot) { b.backend = backend }
}

// Bot is the running service.
type Bot struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	backend    snapshot.Backend
	limiter    *quota.Limiter
	memory     *memory.Store
	personas   *persona.Resolver
	generator  dispatcher.Generator
	pacer      *pacing.Pipeline
	gate       *inflight.Tracker
	channels   *channels.Manager
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	metrics    *observability.Metrics
	ops        *observability.Server

	startedAt time.Time

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	dispatches     sync.WaitGroup
	loopDone       chan struct{}

	mu      sync.Mutex
	started bool
	running bool
	stopped bool
}

// New builds the runtime from cfg. Channels are added with Register before
// Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b := &Bot{
		cfg:      cfg,
		logger:   logger,
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}

	if b.backend == nil {
		backend, err := snapshot.Open(cfg.Persistence.Config)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot backend: %w", err)
		}
		b.backend = backend
	}

	b.limiter = quota.NewLimiter(cfg.RateLimit.Config, b.backend, logger)
	b.memory = memory.NewStore(cfg.Memory.MaxPerChat, b.backend, logger)
	b.personas = persona.New(cfg.Persona, logger)
	if b.generator == nil {
		b.generator = llm.New(cfg.LLM, logger)
	}
	b.pacer = pacing.New(cfg.Pacing, b.clock, cfg.Business.Keyword, logger)
	b.gate = inflight.New()
	b.channels = channels.NewManager(logger)
	b.metrics = observability.NewMetrics(metricsNamespace)

	b.dispatcher = dispatcher.New(dispatcher.Config{
		Window:             cfg.Memory.Window,
		DeferOnCooldown:    cfg.RateLimit.DeferOnCooldown,
		MaxForwardingScore: cfg.Inbound.MaxForwardingScore,
		BusinessKeyword:    cfg.Business.Keyword,
		OperatorChat:       cfg.Business.OperatorChat,
		OperatorAlias:      cfg.Business.OperatorAlias,
	}, dispatcher.Deps{
		Gate:       b.gate,
		Limiter:    b.limiter,
		Memory:     b.memory,
		Personas:   b.personas,
		Generator:  b.generator,
		Pacer:      b.pacer,
		Transports: b.channels,
		Clock:      b.clock,
		Metrics:    b.metrics,
		Logger:     logger,
	})

	b.scheduler = scheduler.New(0, logger)
	b.scheduler.SetObserver(b.metrics.JobRun)
	if err := b.addJobs(); err != nil {
		_ = b.backend.Close()
		return nil, err
	}

	b.registerGauges()
	if cfg.Ops.Enabled {
		b.ops = observability.NewServer(cfg.Ops, b.metrics, func() any { return b.Status() }, logger)
	}
	return b, nil
}

// Register adds a transport.
func (b *Bot) Register(ch channels.Channel) error {
	return b.channels.Register(ch)
}

// Start restores snapshots, connects the transports and begins dispatching.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bot already started")
	}
	b.started = true
	b.mu.Unlock()

	b.startedAt = b.clock.Now()
	b.logger.Info("starting pacebot",
		"name", b.cfg.Name,
		"channels", b.channels.Names(),
		"backend", b.cfg.Persistence.Backend,
		"personas", b.personas.Len(),
	)

	// A broken snapshot leaves the store empty; the bot still runs.
	if err := b.limiter.Load(ctx); err != nil {
		b.logger.Warn("quota snapshot not restored", "error", err)
	}
	if err := b.memory.Load(ctx); err != nil {
		b.logger.Warn("memory snapshot not restored", "error", err)
	}

	if err := b.channels.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	b.dispatchCtx, b.cancelDispatch = context.WithCancel(context.WithoutCancel(ctx))
	go b.loop()

	b.scheduler.Start(ctx)

	if b.ops != nil {
		if err := b.ops.Start(); err != nil {
			b.logger.Error("ops server not started", "error", err)
			b.ops = nil
		}
	}

	b.logger.Info("pacebot started")
	return nil
}

// loop hands every inbound message to the dispatcher on its own goroutine
// so conversations proceed in parallel.
func (b *Bot) loop() {
	defer close(b.loopDone)
	for msg := range b.channels.Messages() {
		b.dispatches.Add(1)
		go func(m *channels.IncomingMessage) {
			defer b.dispatches.Done()
			b.dispatcher.Dispatch(b.dispatchCtx, m)
		}(msg)
	}
}

// Stop drains the service: running dispatches get until ctx is done to
// finish, then the transports are disconnected and both stores are flushed
// one last time. Safe to call more than once.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	running := b.running
	b.mu.Unlock()

	b.logger.Info("stopping pacebot")
	var errs []error

	if running {
		if err := b.dispatcher.Close(ctx); err != nil {
			b.logger.Warn("dispatches still running at shutdown", "error", err)
		}
		b.cancelDispatch()

		b.channels.Stop()
		<-b.loopDone
		b.dispatches.Wait()

		b.scheduler.Stop()
	}

	// The final flush must not be cut short by an expired drain deadline.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.limiter.Flush(flushCtx); err != nil {
		errs = append(errs, err)
	}
	if err := b.memory.Flush(flushCtx); err != nil {
		errs = append(errs, err)
	}
	if err := b.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing snapshot backend: %w", err))
	}

	if b.ops != nil {
		if err := b.ops.Shutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping ops server: %w", err))
		}
	}

	b.logger.Info("pacebot stopped")
	return errors.Join(errs...)
}

func (b *Bot) addJobs() error {
	flush := scheduler.Every(b.cfg.Persistence.FlushInterval)
	jobs := []scheduler.Job{
		{Name: JobFlushMemory, Schedule: flush, Run: b.memory.Flush},
		{Name: JobFlushQuota, Schedule: flush, Run: b.limiter.Flush},
		{
			Name:     JobSweepQuota,
			Schedule: scheduler.Every(b.cfg.Persistence.SweepInterval),
			Run: func(context.Context) error {
				if n := b.limiter.Sweep(b.clock.Now()); n > 0 {
					b.logger.Info("stale quota records removed", "count", n)
				}
				return nil
			},
		},
	}
	for _, j := range jobs {
		if err := b.scheduler.Add(j); err != nil {
			return fmt.Errorf("scheduling %s: %w", j.Name, err)
		}
	}
	return nil
}

func (b *Bot) registerGauges() {
	b.metrics.Gauge(metricsNamespace, "conversations", "Conversations with stored history.",
		func() float64 { return float64(b.memory.Conversations()) })
	b.metrics.Gauge(metricsNamespace, "dispatches_in_flight", "Conversations with a dispatch running.",
		func() float64 { return float64(b.gate.Busy()) })
	b.metrics.Gauge(metricsNamespace, "deferred_messages", "Messages waiting for a cooldown to end.",
		func() float64 { return float64(b.dispatcher.Deferred()) })
	b.metrics.Gauge(metricsNamespace, "quota_records", "Conversations tracked by the limiter.",
		func() float64 { return float64(len(b.limiter.Records())) })
}

// Dispatcher returns the dispatcher.
func (b *Bot) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Scheduler returns the housekeeping scheduler.
func (b *Bot) Scheduler() *scheduler.Scheduler { return b.scheduler }

// Metrics returns the metrics registry wrapper.
func (b *Bot) Metrics() *observability.Metrics { return b.metrics }

// OpsAddr returns the ops server address, or "" when it is not running.
func (b *Bot) OpsAddr() string {
	if b.ops == nil {
		return ""
	}
	return b.ops.Addr()
}
