// Package discord implements the Discord transport using discordgo.
//
// Typing indicators and reactions are supported; Discord has no read
// receipts for bots, so MarkRead is a no-op.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guilds the bot responds in. Empty means all.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channels the bot responds in. Empty means all.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToDMs enables direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{RespondToDMs: true}
}

// Discord implements channels.Channel, channels.PresenceChannel and
// channels.ReactionChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages   chan *channels.IncomingMessage
	closeMu    sync.RWMutex
	closed     bool
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection.
func (d *Discord) Connect(_ context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)
	if user := session.State.User; user != nil {
		d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if !d.connected.Swap(false) {
		return nil
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("closing session", "error", err)
		}
	}
	d.closeMu.Lock()
	d.closed = true
	close(d.messages)
	d.closeMu.Unlock()
	d.logger.Info("disconnected")
	return nil
}

// Send sends text to a channel, splitting at the 2000 character limit.
// The first chunk replies to message.ReplyTo when set.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	for i, chunk := range splitMessage(message.Content, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo, ChannelID: to}
		}
		if _, err := d.session.ChannelMessageSendComplex(to, send, discordgo.WithContext(ctx)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// SendTyping triggers the typing indicator (it lasts about ten seconds).
func (d *Discord) SendTyping(ctx context.Context, chatID string) error {
	if d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}

// ClearTyping is a no-op: the indicator stops when a message is sent.
func (d *Discord) ClearTyping(context.Context, string) error { return nil }

// MarkRead is a no-op for Discord bots.
func (d *Discord) MarkRead(context.Context, string, string, []string) error { return nil }

// SendReaction adds a reaction to a message.
func (d *Discord) SendReaction(ctx context.Context, chatID, _, messageID, emoji string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	return d.session.MessageReactionAdd(chatID, messageID, emoji, discordgo.WithContext(ctx))
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}

	incoming, ok := d.convert(m.Message, botID)
	if !ok {
		return
	}

	d.lastMsg.Store(time.Now())
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// convert maps a Discord message, reporting false for messages outside the
// configured guilds and channels or sent by other bots.
func (d *Discord) convert(m *discordgo.Message, botID string) (*channels.IncomingMessage, bool) {
	if m == nil || m.Author == nil {
		return nil, false
	}
	fromMe := m.Author.ID == botID
	if m.Author.Bot && !fromMe {
		return nil, false
	}

	isGroup := m.GuildID != ""
	if !isGroup && !d.cfg.RespondToDMs {
		return nil, false
	}
	if isGroup && len(d.cfg.AllowedGuilds) > 0 && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return nil, false
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return nil, false
	}

	return &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   isGroup,
		FromMe:    fromMe,
		Type:      messageType(m),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}, true
}

// messageType classifies by the first attachment or embed.
func messageType(m *discordgo.Message) channels.MessageType {
	for _, e := range m.Embeds {
		if e.Type == discordgo.EmbedTypeGifv {
			return channels.MessageGIF
		}
	}
	if len(m.Attachments) == 0 {
		return channels.MessageText
	}

	ct := strings.ToLower(m.Attachments[0].ContentType)
	switch {
	case ct == "image/gif":
		return channels.MessageGIF
	case strings.HasPrefix(ct, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(ct, "audio/"):
		return channels.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return channels.MessageVideo
	default:
		return channels.MessageDocument
	}
}

// splitMessage splits text into chunks of at most maxLen runes, preferring
// to cut after a newline in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
	_ channels.ReactionChannel = (*Discord)(nil)
)
