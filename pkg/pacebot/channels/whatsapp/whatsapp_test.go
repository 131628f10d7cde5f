package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		w := New(Config{}, nil)
		if w.Name() != "whatsapp" {
			t.Errorf("Name = %q", w.Name())
		}
		if w.State() != StateDisconnected {
			t.Errorf("initial state = %s", w.State())
		}
		if w.cfg.ReconnectBackoff != 5*time.Second {
			t.Errorf("backoff = %v", w.cfg.ReconnectBackoff)
		}
		if w.limiter.Burst() != 1 {
			t.Errorf("burst = %d", w.limiter.Burst())
		}
	})

	t.Run("keeps configured throttle", func(t *testing.T) {
		w := New(DefaultConfig(), nil)
		if w.limiter.Burst() != 3 {
			t.Errorf("burst = %d, want 3", w.limiter.Burst())
		}
	})
}

func TestConvertMessage(t *testing.T) {
	chat := types.NewJID("5511999999999", types.DefaultUserServer)
	base := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, Sender: chat},
		ID:            "ABC123",
		PushName:      "Ana",
		Timestamp:     time.Unix(1700000000, 0),
	}

	tests := []struct {
		name      string
		fromMe    bool
		msg       *waE2E.Message
		wantType  channels.MessageType
		wantText  string
		wantScore int
	}{
		{
			name:     "conversation",
			msg:      &waE2E.Message{Conversation: proto.String("hi there")},
			wantType: channels.MessageText,
			wantText: "hi there",
		},
		{
			name: "forwarded extended text",
			msg: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String("chain letter"),
				ContextInfo: &waE2E.ContextInfo{ForwardingScore: proto.Uint32(7)},
			}},
			wantType:  channels.MessageText,
			wantText:  "chain letter",
			wantScore: 7,
		},
		{
			name: "gif",
			msg: &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
				GifPlayback: proto.Bool(true),
				Caption:     proto.String("lol"),
			}},
			wantType: channels.MessageGIF,
			wantText: "lol",
		},
		{
			name:     "plain video",
			msg:      &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("clip")}},
			wantType: channels.MessageVideo,
			wantText: "clip",
		},
		{
			name:     "image without caption",
			msg:      &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
			wantType: channels.MessageImage,
		},
		{
			name:     "own message",
			fromMe:   true,
			msg:      &waE2E.Message{Conversation: proto.String("sent from phone")},
			wantType: channels.MessageText,
			wantText: "sent from phone",
		},
		{
			name:     "unknown payload",
			msg:      &waE2E.Message{},
			wantType: channels.MessageOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := base
			info.IsFromMe = tt.fromMe
			got := convertMessage(&events.Message{Info: info, Message: tt.msg})

			if got.Type != tt.wantType || got.Content != tt.wantText {
				t.Errorf("got (%s, %q), want (%s, %q)", got.Type, got.Content, tt.wantType, tt.wantText)
			}
			if got.ForwardingScore != tt.wantScore {
				t.Errorf("ForwardingScore = %d, want %d", got.ForwardingScore, tt.wantScore)
			}
			if got.FromMe != tt.fromMe {
				t.Errorf("FromMe = %v", got.FromMe)
			}
			if got.ID != "ABC123" || got.Channel != "whatsapp" || got.FromName != "Ana" {
				t.Errorf("metadata not copied: %+v", got)
			}
			if got.ConversationID() != "5511999999999@s.whatsapp.net" {
				t.Errorf("ConversationID = %q", got.ConversationID())
			}
		})
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	group := types.NewJID("123-456", types.GroupServer)
	user := types.NewJID("5511999999999", types.DefaultUserServer)
	text := &waE2E.Message{Conversation: proto.String("hello")}

	tests := []struct {
		name   string
		cfg    Config
		source types.MessageSource
		want   bool
	}{
		{"dm allowed", DefaultConfig(), types.MessageSource{Chat: user, Sender: user}, true},
		{"group allowed", DefaultConfig(), types.MessageSource{Chat: group, Sender: user, IsGroup: true}, true},
		{"groups disabled", Config{RespondToDMs: true}, types.MessageSource{Chat: group, Sender: user, IsGroup: true}, false},
		{"dms disabled", Config{RespondToGroups: true}, types.MessageSource{Chat: user, Sender: user}, false},
		{"status broadcast", DefaultConfig(), types.MessageSource{Chat: types.StatusBroadcastJID, Sender: user}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(tt.cfg, nil)
			w.handleMessage(&events.Message{
				Info:    types.MessageInfo{MessageSource: tt.source, ID: "1"},
				Message: text,
			})

			select {
			case msg := <-w.Receive():
				if !tt.want {
					t.Errorf("unexpected message %+v", msg)
				}
				if msg.IsGroup && msg.ChatID != group.String() {
					t.Errorf("ChatID = %q", msg.ChatID)
				}
			default:
				if tt.want {
					t.Error("message was not emitted")
				}
			}
		})
	}
}

func TestBuildTextMessage(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		m := buildTextMessage(&channels.OutgoingMessage{Content: "hello"})
		if m.GetConversation() != "hello" || m.ExtendedTextMessage != nil {
			t.Errorf("unexpected message %v", m)
		}
	})

	t.Run("quoted reply", func(t *testing.T) {
		m := buildTextMessage(&channels.OutgoingMessage{
			Content:        "sure",
			ReplyTo:        "MSG1",
			ReplyToSender:  "5511999999999@s.whatsapp.net",
			ReplyToContent: "can you help?",
		})
		ext := m.GetExtendedTextMessage()
		if ext.GetText() != "sure" {
			t.Errorf("text = %q", ext.GetText())
		}
		ci := ext.GetContextInfo()
		if ci.GetStanzaID() != "MSG1" || ci.GetParticipant() != "5511999999999@s.whatsapp.net" {
			t.Errorf("context = %v", ci)
		}
		if ci.GetQuotedMessage().GetConversation() != "can you help?" {
			t.Errorf("quoted = %v", ci.GetQuotedMessage())
		}
	})
}

func TestBuildReactionMessage(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	user := types.NewJID("5511999999999", types.DefaultUserServer)
	group := types.NewJID("123-456", types.GroupServer)

	dm := buildReactionMessage(user, user, "MSG1", "😊", now).GetReactionMessage()
	if dm.GetText() != "😊" || dm.GetKey().GetID() != "MSG1" || dm.GetKey().GetFromMe() {
		t.Errorf("dm reaction = %v", dm)
	}
	if dm.GetKey().Participant != nil {
		t.Error("dm reaction should not carry a participant")
	}
	if dm.GetSenderTimestampMS() != 1700000000123 {
		t.Errorf("timestamp = %d", dm.GetSenderTimestampMS())
	}

	gr := buildReactionMessage(group, user, "MSG2", "👍", now).GetReactionMessage()
	if gr.GetKey().GetParticipant() != user.String() || gr.GetKey().GetRemoteJID() != group.String() {
		t.Errorf("group reaction key = %v", gr.GetKey())
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", false},
		{"+55 (11) 99999-9999", "5511999999999@s.whatsapp.net", false},
		{"123-456@g.us", "123-456@g.us", false},
		{"", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := parseJID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseJID(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("parseJID(%q) = %q, want %q", tt.in, got.String(), tt.want)
		}
	}
}

func TestLoginObservers(t *testing.T) {
	w := New(DefaultConfig(), nil)

	w.notifyLogin(LoginEvent{Type: "pair_code", Code: "ABCD-EFGH"})
	ch, unsubscribe := w.SubscribeLogin()

	select {
	case evt := <-ch:
		if evt.Code != "ABCD-EFGH" {
			t.Errorf("replayed code = %q", evt.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("pending code not replayed")
	}

	w.notifyLogin(LoginEvent{Type: "success"})
	if evt := <-ch; evt.Type != "success" {
		t.Errorf("event = %+v", evt)
	}
	if w.lastLogin != nil {
		t.Error("success should clear the pending code")
	}

	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestDisconnectedOperations(t *testing.T) {
	w := New(DefaultConfig(), nil)
	ctx := context.Background()

	if err := w.Send(ctx, "5511999999999", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send err = %v", err)
	}
	if err := w.SendReaction(ctx, "5511999999999", "", "id", "👍"); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("SendReaction err = %v", err)
	}
	// Presence and receipts are best effort and silently skipped.
	if err := w.SendTyping(ctx, "5511999999999"); err != nil {
		t.Errorf("SendTyping err = %v", err)
	}
	if err := w.MarkRead(ctx, "5511999999999", "", []string{"id"}); err != nil {
		t.Errorf("MarkRead err = %v", err)
	}
}

func TestDisconnect_ClosesStream(t *testing.T) {
	w := New(DefaultConfig(), nil)
	w.connected.Store(true)
	w.setState(StateConnected)

	if err := w.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if w.IsConnected() || w.State() != StateDisconnected {
		t.Error("still connected after Disconnect")
	}
	if _, ok := <-w.Receive(); ok {
		t.Error("message stream not closed")
	}
	// Emitting after close must not panic.
	w.emitMessage(&channels.IncomingMessage{ID: "late"})
	if err := w.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	cfg := HealthMonitorConfig{Enabled: true, MaxSilentDuration: time.Minute, ForceReconnectAfter: 10 * time.Minute}
	now := time.Now()

	w := New(DefaultConfig(), nil)
	w.setState(StateConnected)
	w.connected.Store(true)

	w.lastMsg.Store(now.Add(-30 * time.Second))
	if w.checkHealth(cfg, now) {
		t.Error("recent activity should not trigger a reconnect")
	}

	w.lastMsg.Store(now.Add(-5 * time.Minute))
	if w.checkHealth(cfg, now) {
		t.Error("silence below the force threshold should not trigger a reconnect")
	}

	w.lastMsg.Store(now.Add(-11 * time.Minute))
	if !w.checkHealth(cfg, now) {
		t.Error("long silence should force a reconnect")
	}
	if w.IsConnected() {
		t.Error("connected flag not cleared")
	}
}
