// Package console implements a local terminal transport. Each line typed
// becomes an incoming message and replies, typing indicators and reactions
// are printed, so the whole pacing pipeline can be watched without a phone.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

// Config configures the console transport.
type Config struct {
	// Sender is the initial contact id the typed lines come from.
	Sender string `yaml:"sender"`

	// HistoryFile keeps readline history between sessions.
	HistoryFile string `yaml:"history_file"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Sender: "you"}
}

type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Channel, channels.PresenceChannel and
// channels.ReactionChannel on a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger

	reader lineReader
	out    io.Writer
	outMu  sync.Mutex

	sender    atomic.Value // string
	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a console transport.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sender == "" {
		cfg.Sender = DefaultConfig().Sender
	}
	c := &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
	c.sender.Store(cfg.Sender)
	return c
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the terminal and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.prompt(),
			HistoryFile:     c.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "bye",
		})
		if err != nil {
			return fmt.Errorf("console: opening terminal: %w", err)
		}
		c.reader = rl
		c.out = rl.Stdout()
	}

	c.connected.Store(true)
	c.printf("pacebot console. Type a message, /as <name> to switch contact, /quit to leave.\n")

	c.wg.Add(1)
	go c.readLoop(ctx)
	return nil
}

// Done is closed when the user leaves the console.
func (c *Console) Done() <-chan struct{} { return c.done }

// Disconnect stops reading and closes the message stream.
func (c *Console) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	err := c.reader.Close()
	c.wg.Wait()
	return err
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.messages)
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		line, err := c.reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case strings.HasPrefix(line, "/as "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/as "))
			if name != "" {
				c.sender.Store(name)
				if rl, ok := c.reader.(*readline.Instance); ok {
					rl.SetPrompt(c.prompt())
				}
				c.printf("now chatting as %s\n", name)
			}
			continue
		}

		msg := c.incoming(line)
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) incoming(text string) *channels.IncomingMessage {
	sender := c.sender.Load().(string)
	return &channels.IncomingMessage{
		ID:        uuid.NewString(),
		Channel:   "console",
		From:      sender,
		FromName:  sender,
		ChatID:    sender,
		Type:      channels.MessageText,
		Content:   text,
		Timestamp: time.Now(),
	}
}

func (c *Console) prompt() string {
	s, _ := c.sender.Load().(string)
	return s + "> "
}

// Send prints a reply, or an operator notification when to is not the
// current contact.
func (c *Console) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if msg.ReplyTo != "" {
		c.printf("bot → %s: %s\n", to, msg.Content)
		return nil
	}
	c.printf("[to %s] %s\n", to, msg.Content)
	return nil
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the console is reading.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: c.connected.Load()}
}

// SendTyping prints a typing indicator.
func (c *Console) SendTyping(_ context.Context, chatID string) error {
	c.printf("  (bot is typing to %s...)\n", chatID)
	return nil
}

// ClearTyping is a no-op; the reply follows immediately.
func (c *Console) ClearTyping(context.Context, string) error { return nil }

// MarkRead prints a read receipt.
func (c *Console) MarkRead(_ context.Context, chatID, _ string, _ []string) error {
	c.printf("  (seen by bot in %s)\n", chatID)
	return nil
}

// SendReaction prints a reaction.
func (c *Console) SendReaction(_ context.Context, chatID, _, _, emoji string) error {
	c.printf("  (bot reacted %s in %s)\n", emoji, chatID)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.out != nil {
		fmt.Fprintf(c.out, format, args...)
	}
}

var (
	_ channels.Channel         = (*Console)(nil)
	_ channels.PresenceChannel = (*Console)(nil)
	_ channels.ReactionChannel = (*Console)(nil)
)
