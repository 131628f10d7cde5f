package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

func TestConvert(t *testing.T) {
	user := &discordgo.User{ID: "u1", Username: "ana"}
	otherBot := &discordgo.User{ID: "b2", Username: "helper", Bot: true}
	self := &discordgo.User{ID: "me", Username: "pacebot", Bot: true}

	tests := []struct {
		name     string
		cfg      Config
		msg      *discordgo.Message
		wantOK   bool
		wantType channels.MessageType
		wantMe   bool
	}{
		{
			name:     "guild text",
			cfg:      DefaultConfig(),
			msg:      &discordgo.Message{ID: "1", ChannelID: "c1", GuildID: "g1", Author: user, Content: "hi"},
			wantOK:   true,
			wantType: channels.MessageText,
		},
		{
			name:   "other bot ignored",
			cfg:    DefaultConfig(),
			msg:    &discordgo.Message{ID: "2", ChannelID: "c1", Author: otherBot, Content: "beep"},
			wantOK: false,
		},
		{
			name:     "own message flagged",
			cfg:      DefaultConfig(),
			msg:      &discordgo.Message{ID: "3", ChannelID: "c1", Author: self, Content: "reply"},
			wantOK:   true,
			wantType: channels.MessageText,
			wantMe:   true,
		},
		{
			name:   "guild not allowed",
			cfg:    Config{AllowedGuilds: []string{"g2"}},
			msg:    &discordgo.Message{ID: "4", ChannelID: "c1", GuildID: "g1", Author: user},
			wantOK: false,
		},
		{
			name:   "channel not allowed",
			cfg:    Config{RespondToDMs: true, AllowedChannels: []string{"c9"}},
			msg:    &discordgo.Message{ID: "5", ChannelID: "c1", Author: user},
			wantOK: false,
		},
		{
			name:   "dms disabled",
			cfg:    Config{},
			msg:    &discordgo.Message{ID: "6", ChannelID: "dm", Author: user},
			wantOK: false,
		},
		{
			name: "gif attachment",
			cfg:  DefaultConfig(),
			msg: &discordgo.Message{ID: "7", ChannelID: "c1", Author: user,
				Attachments: []*discordgo.MessageAttachment{{ContentType: "image/gif"}}},
			wantOK:   true,
			wantType: channels.MessageGIF,
		},
		{
			name: "gifv embed",
			cfg:  DefaultConfig(),
			msg: &discordgo.Message{ID: "8", ChannelID: "c1", Author: user,
				Embeds: []*discordgo.MessageEmbed{{Type: discordgo.EmbedTypeGifv}}},
			wantOK:   true,
			wantType: channels.MessageGIF,
		},
		{
			name: "image attachment",
			cfg:  DefaultConfig(),
			msg: &discordgo.Message{ID: "9", ChannelID: "c1", Author: user,
				Attachments: []*discordgo.MessageAttachment{{ContentType: "image/png"}}},
			wantOK:   true,
			wantType: channels.MessageImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.cfg, nil)
			got, ok := d.convert(tt.msg, "me")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", got.Type, tt.wantType)
			}
			if got.FromMe != tt.wantMe {
				t.Errorf("FromMe = %v", got.FromMe)
			}
			if got.ConversationID() != tt.msg.ChannelID {
				t.Errorf("ConversationID = %q", got.ConversationID())
			}
		})
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		if got := splitMessage("hello", 10); len(got) != 1 || got[0] != "hello" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("prefers newline", func(t *testing.T) {
		got := splitMessage("aaaaaaa\nbbbbbbbbb", 10)
		if len(got) != 2 || got[0] != "aaaaaaa\n" || got[1] != "bbbbbbbbb" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("rune safe", func(t *testing.T) {
		text := strings.Repeat("é", 25)
		got := splitMessage(text, 10)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		if strings.Join(got, "") != text {
			t.Error("chunks do not reassemble the text")
		}
		for _, c := range got {
			if len([]rune(c)) > 10 {
				t.Errorf("chunk too long: %d runes", len([]rune(c)))
			}
		}
	})
}

func TestDisconnected(t *testing.T) {
	d := New(Config{}, nil)
	if err := d.Connect(context.Background()); err == nil {
		t.Error("Connect without token should fail")
	}
	if err := d.Send(context.Background(), "c1", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send err = %v", err)
	}
	if err := d.SendTyping(context.Background(), "c1"); err != nil {
		t.Errorf("SendTyping err = %v", err)
	}
	if d.Health().Connected {
		t.Error("health reports connected")
	}
}

func TestOnMessageCreate_AfterDisconnect(t *testing.T) {
	d := New(DefaultConfig(), nil)
	d.connected.Store(true)
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}

	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "me"}
	// Must not panic on the closed stream.
	d.onMessageCreate(s, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "c1", Author: &discordgo.User{ID: "u1"}, Timestamp: time.Now(),
	}})
}
