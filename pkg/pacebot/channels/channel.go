// Package channels defines the messaging transports pacebot talks through.
// Each network (WhatsApp, Discord, the local console) implements Channel to
// receive messages and send replies in a uniform way; the optional
// PresenceChannel and ReactionChannel interfaces expose read receipts,
// typing indicators and reactions where the network has them.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageGIF      MessageType = "gif"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageReaction MessageType = "reaction"
	MessageOther    MessageType = "other"
)

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with read receipts and typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping shows a "typing..." indicator in the chat.
	SendTyping(ctx context.Context, chatID string) error

	// ClearTyping removes the typing indicator.
	ClearTyping(ctx context.Context, chatID string) error

	// MarkRead marks messages from senderID in chatID as read.
	MarkRead(ctx context.Context, chatID, senderID string, messageIDs []string) error
}

// ReactionChannel extends Channel with message reactions.
type ReactionChannel interface {
	Channel

	// SendReaction reacts with emoji to the message messageID that senderID
	// sent in chatID.
	SendReaction(ctx context.Context, chatID, senderID, messageID, emoji string) error
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, if known.
	FromName string

	// ChatID is the conversation the message belongs to.
	ChatID string

	IsGroup bool

	// FromMe is set for messages sent by the bot's own account.
	FromMe bool

	Type    MessageType
	Content string

	Timestamp time.Time

	// ForwardingScore counts how many times the message was forwarded.
	ForwardingScore int
}

// ConversationID returns the key used for memory and quota state.
func (m *IncomingMessage) ConversationID() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.From
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	Content string

	// ReplyTo quotes the message with this ID when the network supports it.
	ReplyTo string

	// ReplyToSender is the author of the quoted message.
	ReplyToSender string

	// ReplyToContent is the quoted text, used by networks that embed it.
	ReplyToContent string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	LatencyMs     int64
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
	ErrUnknownChannel      = errors.New("unknown channel")
)
