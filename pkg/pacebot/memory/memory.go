// Package memory keeps a bounded, ordered turn history per conversation and
// snapshots it to a backend on demand.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/pacebot/pkg/pacebot/snapshot"
)

// SnapshotName is the snapshot key used for conversation history.
const SnapshotName = "chat_memory"

// Role tags the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// roleLegacyModel is how older snapshots tagged bot turns.
	roleLegacyModel Role = "model"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Config bounds the store.
type Config struct {
	// MaxPerChat is the most turns retained per conversation.
	MaxPerChat int `yaml:"max_per_chat"`

	// Window is how many turns are forwarded to generation per request.
	Window int `yaml:"window"`
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{MaxPerChat: 100, Window: 20}
}

// Validate reports non-positive bounds.
func (c Config) Validate() error {
	if c.MaxPerChat <= 0 {
		return fmt.Errorf("max_per_chat must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

// Store is the conversation history. Safe for concurrent use.
type Store struct {
	max     int
	backend snapshot.Backend
	logger  *slog.Logger

	mu      sync.RWMutex
	chats   map[string]*history
	dirty   bool
	version uint64
}

// NewStore creates an empty store retaining at most maxPerChat turns per
// conversation. backend may be nil.
func NewStore(maxPerChat int, backend snapshot.Backend, logger *slog.Logger) *Store {
	if maxPerChat <= 0 {
		maxPerChat = DefaultConfig().MaxPerChat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		max:     maxPerChat,
		backend: backend,
		logger:  logger.With("component", "memory"),
		chats:   make(map[string]*history),
	}
}

// Append records a turn, evicting the oldest one once the bound is exceeded.
func (s *Store) Append(conversationID string, role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.chats[conversationID]
	if !ok {
		h = newHistory(s.max)
		s.chats[conversationID] = h
	}
	h.push(Turn{Role: role, Content: content})
	s.dirty = true
	s.version++
}

// RecentWindow returns at most the last n turns of the conversation in
// order. The result is a copy.
func (s *Store) RecentWindow(conversationID string, n int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.chats[conversationID]
	if !ok || n <= 0 {
		return nil
	}
	return h.last(n)
}

// Len returns how many turns are retained for the conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.chats[conversationID]; ok {
		return h.len()
	}
	return 0
}

// Conversations returns how many conversations have history.
func (s *Store) Conversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

// Dirty reports whether there are changes not yet flushed.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Load replaces the store contents with the last snapshot. Absent data
// leaves the store empty without error; unreadable or malformed data also
// leaves it empty and returns the cause for logging.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats = make(map[string]*history)
	s.dirty = false
	if s.backend == nil {
		return nil
	}

	data, err := s.backend.Read(ctx, SnapshotName)
	if errors.Is(err, snapshot.ErrNotFound) {
		s.logger.Info("no memory snapshot found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading memory snapshot: %w", err)
	}

	var table map[string][]Turn
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("parsing memory snapshot: %w", err)
	}

	for id, turns := range table {
		h := newHistory(s.max)
		for _, t := range turns {
			if t.Role == roleLegacyModel {
				t.Role = RoleAssistant
			}
			h.push(t)
		}
		s.chats[id] = h
	}
	s.logger.Info("memory snapshot loaded", "conversations", len(s.chats))
	return nil
}

// Flush writes the store if it changed since the last successful flush. The
// dirty flag is only cleared when no append happened while writing.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	s.mu.RLock()
	if !s.dirty {
		s.mu.RUnlock()
		return nil
	}
	table := make(map[string][]Turn, len(s.chats))
	for id, h := range s.chats {
		table[id] = h.all()
	}
	version := s.version
	s.mu.RUnlock()

	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("encoding memory snapshot: %w", err)
	}
	if err := s.backend.Write(ctx, SnapshotName, data); err != nil {
		return fmt.Errorf("writing memory snapshot: %w", err)
	}

	s.mu.Lock()
	if s.version == version {
		s.dirty = false
	}
	s.mu.Unlock()

	s.logger.Debug("memory snapshot flushed", "conversations", len(table))
	return nil
}
