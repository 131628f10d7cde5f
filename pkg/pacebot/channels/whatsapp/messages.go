package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

// buildTextMessage builds a plain text message, or an extended one quoting
// the original when out.ReplyTo is set.
func buildTextMessage(out *channels.OutgoingMessage) *waE2E.Message {
	if out.ReplyTo == "" {
		return &waE2E.Message{Conversation: proto.String(out.Content)}
	}

	ctxInfo := &waE2E.ContextInfo{StanzaID: proto.String(out.ReplyTo)}
	if out.ReplyToSender != "" {
		ctxInfo.Participant = proto.String(out.ReplyToSender)
	}
	if out.ReplyToContent != "" {
		ctxInfo.QuotedMessage = &waE2E.Message{Conversation: proto.String(out.ReplyToContent)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(out.Content),
			ContextInfo: ctxInfo,
		},
	}
}

// buildReactionMessage reacts to an incoming message. In groups the key
// carries the original author.
func buildReactionMessage(chat, sender types.JID, messageID, emoji string, now time.Time) *waE2E.Message {
	key := &waCommon.MessageKey{
		RemoteJID: proto.String(chat.String()),
		FromMe:    proto.Bool(false),
		ID:        proto.String(messageID),
	}
	if chat.Server == types.GroupServer && !sender.IsEmpty() {
		key.Participant = proto.String(sender.ToNonAD().String())
	}
	return &waE2E.Message{
		ReactionMessage: &waE2E.ReactionMessage{
			Key:               key,
			Text:              proto.String(emoji),
			SenderTimestampMS: proto.Int64(now.UnixMilli()),
		},
	}
}

// contentOf returns the message type and its text. Media messages carry
// their caption; GIFs are reported separately so they can be ignored.
func contentOf(m *waE2E.Message) (channels.MessageType, string) {
	switch {
	case m == nil:
		return channels.MessageOther, ""
	case m.Conversation != nil:
		return channels.MessageText, m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return channels.MessageText, m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return channels.MessageImage, m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		v := m.GetVideoMessage()
		if v.GetGifPlayback() {
			return channels.MessageGIF, v.GetCaption()
		}
		return channels.MessageVideo, v.GetCaption()
	case m.DocumentMessage != nil:
		return channels.MessageDocument, m.GetDocumentMessage().GetCaption()
	case m.AudioMessage != nil:
		return channels.MessageAudio, ""
	case m.StickerMessage != nil:
		return channels.MessageSticker, ""
	case m.ReactionMessage != nil:
		return channels.MessageReaction, m.GetReactionMessage().GetText()
	}
	return channels.MessageOther, ""
}

// contextInfoOf returns the context info of whichever payload is set.
func contextInfoOf(m *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case m == nil:
		return nil
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetContextInfo()
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetContextInfo()
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetContextInfo()
	case m.DocumentMessage != nil:
		return m.GetDocumentMessage().GetContextInfo()
	case m.AudioMessage != nil:
		return m.GetAudioMessage().GetContextInfo()
	case m.StickerMessage != nil:
		return m.GetStickerMessage().GetContextInfo()
	}
	return nil
}

// parseJID accepts full JIDs ("5511999999999@s.whatsapp.net",
// "123-456@g.us") and bare phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
