package channels

import (
	"context"
	"fmt"
)

// MessageRef points at one inbound message.
type MessageRef struct {
	Channel   string
	ChatID    string
	SenderID  string
	MessageID string
	Content   string
}

// Ref returns a reference to m.
func (m *IncomingMessage) Ref() MessageRef {
	return MessageRef{
		Channel:   m.Channel,
		ChatID:    m.ConversationID(),
		SenderID:  m.From,
		MessageID: m.ID,
		Content:   m.Content,
	}
}

// Transport is the set of outbound actions a reply needs. Actions the
// underlying channel cannot perform are no-ops.
type Transport interface {
	SendSeen(ctx context.Context, ref MessageRef) error
	SetTyping(ctx context.Context, chatID string) error
	ClearTyping(ctx context.Context, chatID string) error
	SendReply(ctx context.Context, ref MessageRef, text string) error
	SendReaction(ctx context.Context, ref MessageRef, glyph string) error
	SendToOperator(ctx context.Context, operatorID, text string) error
}

// NewTransport adapts ch to Transport.
func NewTransport(ch Channel) Transport {
	return &channelTransport{ch: ch}
}

type channelTransport struct {
	ch Channel
}

func (t *channelTransport) SendSeen(ctx context.Context, ref MessageRef) error {
	pc, ok := t.ch.(PresenceChannel)
	if !ok || ref.MessageID == "" {
		return nil
	}
	return pc.MarkRead(ctx, ref.ChatID, ref.SenderID, []string{ref.MessageID})
}

func (t *channelTransport) SetTyping(ctx context.Context, chatID string) error {
	if pc, ok := t.ch.(PresenceChannel); ok {
		return pc.SendTyping(ctx, chatID)
	}
	return nil
}

func (t *channelTransport) ClearTyping(ctx context.Context, chatID string) error {
	if pc, ok := t.ch.(PresenceChannel); ok {
		return pc.ClearTyping(ctx, chatID)
	}
	return nil
}

func (t *channelTransport) SendReply(ctx context.Context, ref MessageRef, text string) error {
	if !t.ch.IsConnected() {
		return fmt.Errorf("%s: %w", t.ch.Name(), ErrChannelDisconnected)
	}
	return t.ch.Send(ctx, ref.ChatID, &OutgoingMessage{
		Content:        text,
		ReplyTo:        ref.MessageID,
		ReplyToSender:  ref.SenderID,
		ReplyToContent: ref.Content,
	})
}

func (t *channelTransport) SendReaction(ctx context.Context, ref MessageRef, glyph string) error {
	rc, ok := t.ch.(ReactionChannel)
	if !ok || ref.MessageID == "" {
		return nil
	}
	return rc.SendReaction(ctx, ref.ChatID, ref.SenderID, ref.MessageID, Emoji(glyph))
}

func (t *channelTransport) SendToOperator(ctx context.Context, operatorID, text string) error {
	if !t.ch.IsConnected() {
		return fmt.Errorf("%s: %w", t.ch.Name(), ErrChannelDisconnected)
	}
	return t.ch.Send(ctx, operatorID, &OutgoingMessage{Content: text})
}
