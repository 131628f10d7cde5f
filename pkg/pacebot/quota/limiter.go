package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/clock"
	"github.com/jholhewres/pacebot/pkg/pacebot/snapshot"
)

// SnapshotName is the snapshot key used for the quota table.
const SnapshotName = "quota_state"

const (
	dayHorizon   = 24 * time.Hour
	hourWindow   = time.Hour
	minuteWindow = time.Minute
)

// Reason identifies the check that rejected a reply.
type Reason string

const (
	ReasonNone        Reason = "none"
	ReasonCooldown    Reason = "cooldown"
	ReasonHourlyLimit Reason = "hourly_limit"
	ReasonDailyLimit  Reason = "daily_limit"
	ReasonGlobalLimit Reason = "global_limit"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Config holds the admission limits.
type Config struct {
	// MinReplyDelay and MaxReplyDelay bound the randomized cooldown drawn
	// after every accepted reply.
	MinReplyDelay time.Duration `yaml:"min_reply_delay"`
	MaxReplyDelay time.Duration `yaml:"max_reply_delay"`

	// MaxPerUserHourly caps accepted replies per conversation per rolling hour.
	MaxPerUserHourly int `yaml:"max_per_user_hourly"`

	// MaxPerUserDaily caps accepted replies per conversation per rolling day.
	MaxPerUserDaily int `yaml:"max_per_user_daily"`

	// MaxPerMinute and MaxPerHour cap accepted replies across all conversations.
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerHour   int `yaml:"max_per_hour"`
}

// DefaultConfig returns the limits the bot ships with.
func DefaultConfig() Config {
	return Config{
		MinReplyDelay:    8 * time.Second,
		MaxReplyDelay:    38 * time.Second,
		MaxPerUserHourly: 8,
		MaxPerUserDaily:  40,
		MaxPerMinute:     15,
		MaxPerHour:       120,
	}
}

// Validate reports inconsistent limits.
func (c Config) Validate() error {
	switch {
	case c.MinReplyDelay < 0:
		return fmt.Errorf("min_reply_delay must not be negative")
	case c.MaxReplyDelay < c.MinReplyDelay:
		return fmt.Errorf("max_reply_delay (%s) is below min_reply_delay (%s)", c.MaxReplyDelay, c.MinReplyDelay)
	case c.MaxPerUserHourly <= 0, c.MaxPerUserDaily <= 0:
		return fmt.Errorf("per-conversation caps must be positive")
	case c.MaxPerMinute <= 0, c.MaxPerHour <= 0:
		return fmt.Errorf("global caps must be positive")
	}
	return nil
}

// Stats summarizes the limiter state.
type Stats struct {
	Conversations    int `json:"conversations"`
	GlobalLastMinute int `json:"global_last_minute"`
	GlobalLastHour   int `json:"global_last_hour"`
	Reserved         int `json:"reserved"`
}

// Limiter evaluates and records admissions. It is safe for concurrent use;
// callers never need their own locking.
type Limiter struct {
	cfg     Config
	backend snapshot.Backend
	logger  *slog.Logger
	draw    clock.DurationSource

	mu      sync.Mutex
	users   map[string]*Record
	global  []time.Time
	dirty   bool

	// reserved holds conversations admitted but not yet accepted. Each
	// counts against the global caps until Accept or Release.
	reserved map[string]struct{}
	version uint64
}

// NewLimiter creates an empty limiter. backend may be nil, in which case
// Load and Flush are no-ops.
func NewLimiter(cfg Config, backend snapshot.Backend, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "quota"),
		draw:    clock.Uniform,
		users:   make(map[string]*Record),

		reserved: make(map[string]struct{}),
	}
}

// SetDurationSource replaces the cooldown randomness (used by tests).
func (l *Limiter) SetDurationSource(src clock.DurationSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.draw = src
}

// Evaluate decides whether conversationID may receive a reply at now.
// Checks run in order cooldown, hourly, daily, global; the first failure wins.
// Reservations held by other conversations count against the global caps.
// The only mutation is pruning of expired instants.
func (l *Limiter) Evaluate(conversationID string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluateLocked(conversationID, now)
}

// Admit evaluates like Evaluate and, when allowed, reserves a global slot
// for conversationID. The slot is held until Accept records the reply or
// Release gives it back.
func (l *Limiter) Admit(conversationID string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.evaluateLocked(conversationID, now)
	if d.Allowed {
		l.reserved[conversationID] = struct{}{}
	}
	return d
}

// Release drops the reservation of conversationID without recording a reply.
func (l *Limiter) Release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, conversationID)
}

func (l *Limiter) evaluateLocked(conversationID string, now time.Time) Decision {
	l.global = pruneBefore(l.global, now.Add(-hourWindow))

	if rec, ok := l.users[conversationID]; ok {
		rec.Recent = pruneBefore(rec.Recent, now.Add(-dayHorizon))

		if !rec.LastReply.IsZero() {
			// A clock that went backwards counts as no time elapsed.
			elapsed := max(now.Sub(rec.LastReply), 0)
			if elapsed < rec.Cooldown {
				return Decision{Reason: ReasonCooldown, RetryAfter: rec.Cooldown - elapsed}
			}
		}
		if rec.countSince(now.Add(-hourWindow)) >= l.cfg.MaxPerUserHourly {
			return Decision{Reason: ReasonHourlyLimit, RetryAfter: hourWindow}
		}
		if len(rec.Recent) >= l.cfg.MaxPerUserDaily {
			return Decision{Reason: ReasonDailyLimit, RetryAfter: dayHorizon}
		}
	}

	pending := len(l.reserved)
	if _, own := l.reserved[conversationID]; own {
		pending--
	}
	if countAfter(l.global, now.Add(-minuteWindow))+pending >= l.cfg.MaxPerMinute ||
		len(l.global)+pending >= l.cfg.MaxPerHour {
		return Decision{Reason: ReasonGlobalLimit, RetryAfter: minuteWindow}
	}

	return Decision{Allowed: true, Reason: ReasonNone}
}

// Accept records a reply sent to conversationID at now, consumes its
// reservation if any and starts a fresh, randomly sized cooldown.
func (l *Limiter) Accept(conversationID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.reserved, conversationID)
	rec, ok := l.users[conversationID]
	if !ok {
		rec = &Record{}
		l.users[conversationID] = rec
	}
	rec.Recent = append(pruneBefore(rec.Recent, now.Add(-dayHorizon)), now)
	rec.LastReply = now
	rec.Cooldown = l.draw(l.cfg.MinReplyDelay, l.cfg.MaxReplyDelay)

	l.global = append(pruneBefore(l.global, now.Add(-hourWindow)), now)
	l.markDirty()
}

// Sweep removes conversations with no activity in the trailing 24 hours and
// returns how many were removed. Running it twice in a row removes nothing
// the second time.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-dayHorizon)
	removed := 0
	for id, rec := range l.users {
		rec.Recent = pruneBefore(rec.Recent, cutoff)
		if !rec.lastActivity().After(cutoff) {
			delete(l.users, id)
			removed++
		}
	}
	l.global = pruneBefore(l.global, now.Add(-hourWindow))

	if removed > 0 {
		l.markDirty()
	}
	return removed
}

// Record returns a copy of the quota record for conversationID.
func (l *Limiter) Record(conversationID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.users[conversationID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Records returns a copy of the whole table.
func (l *Limiter) Records() map[string]Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyUsersLocked()
}

// Stats returns counters for status reporting.
func (l *Limiter) Stats(now time.Time) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Conversations:    len(l.users),
		GlobalLastMinute: countAfter(l.global, now.Add(-minuteWindow)),
		GlobalLastHour:   countAfter(l.global, now.Add(-hourWindow)),
		Reserved:         len(l.reserved),
	}
}

// Dirty reports whether there are changes not yet flushed.
func (l *Limiter) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Load replaces the table with the last snapshot. A missing snapshot is not
// an error. A malformed or unreadable one resets the table to empty and the
// error is returned for logging only; the limiter stays usable either way.
func (l *Limiter) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.users = make(map[string]*Record)
	l.dirty = false
	if l.backend == nil {
		return nil
	}

	data, err := l.backend.Read(ctx, SnapshotName)
	if errors.Is(err, snapshot.ErrNotFound) {
		l.logger.Info("no quota snapshot found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading quota snapshot: %w", err)
	}

	var table map[string]Record
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("parsing quota snapshot: %w", err)
	}

	for id, rec := range table {
		rec := rec
		sort.Slice(rec.Recent, func(i, j int) bool { return rec.Recent[i].Before(rec.Recent[j]) })
		l.users[id] = &rec
	}
	l.logger.Info("quota snapshot loaded", "conversations", len(l.users))
	return nil
}

// Flush writes the table if it changed since the last successful flush.
// On failure the in-memory state stays authoritative and remains dirty.
func (l *Limiter) Flush(ctx context.Context) error {
	if l.backend == nil {
		return nil
	}

	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	table := l.copyUsersLocked()
	version := l.version
	l.mu.Unlock()

	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("encoding quota snapshot: %w", err)
	}
	if err := l.backend.Write(ctx, SnapshotName, data); err != nil {
		return fmt.Errorf("writing quota snapshot: %w", err)
	}

	l.mu.Lock()
	if l.version == version {
		l.dirty = false
	}
	l.mu.Unlock()

	l.logger.Debug("quota snapshot flushed", "conversations", len(table))
	return nil
}

func (l *Limiter) markDirty() {
	l.dirty = true
	l.version++
}

func (l *Limiter) copyUsersLocked() map[string]Record {
	out := make(map[string]Record, len(l.users))
	for id, rec := range l.users {
		out[id] = rec.clone()
	}
	return out
}
