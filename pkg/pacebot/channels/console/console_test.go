package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

// scriptReader replays lines, then blocks until closed.
type scriptReader struct {
	lines  []string
	closed chan struct{}
	once   sync.Once
}

func newScript(lines ...string) *scriptReader {
	return &scriptReader{lines: lines, closed: make(chan struct{})}
}

func (r *scriptReader) Readline() (string, error) {
	if len(r.lines) > 0 {
		line := r.lines[0]
		r.lines = r.lines[1:]
		return line, nil
	}
	<-r.closed
	return "", io.EOF
}

func (r *scriptReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// syncBuffer is a bytes.Buffer safe for the reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestConsole(lines ...string) (*Console, *syncBuffer) {
	c := New(DefaultConfig(), nil)
	out := &syncBuffer{}
	c.reader = newScript(lines...)
	c.out = out
	return c, out
}

func receive(t *testing.T, c *Console) *channels.IncomingMessage {
	t.Helper()
	select {
	case msg := <-c.Receive():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestConsole_LinesBecomeMessages(t *testing.T) {
	c, _ := newTestConsole("hello", "  ", "/as maria", "oi")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	first := receive(t, c)
	if first.Content != "hello" || first.ConversationID() != "you" || first.Channel != "console" {
		t.Errorf("first = %+v", first)
	}
	if first.ID == "" {
		t.Error("message id not set")
	}

	second := receive(t, c)
	if second.Content != "oi" || second.From != "maria" {
		t.Errorf("second = %+v", second)
	}
}

func TestConsole_QuitClosesDone(t *testing.T) {
	c, _ := newTestConsole("/quit")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after /quit")
	}
	if _, ok := <-c.Receive(); ok {
		t.Error("message stream still open")
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
}

func TestConsole_Output(t *testing.T) {
	c, out := newTestConsole()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tr := channels.NewTransport(c)
	ref := channels.MessageRef{Channel: "console", ChatID: "you", SenderID: "you", MessageID: "m1", Content: "hi"}
	_ = tr.SendSeen(ctx, ref)
	_ = tr.SetTyping(ctx, "you")
	_ = tr.SendReaction(ctx, ref, "heart")
	_ = tr.SendReply(ctx, ref, "hey!")
	_ = tr.SendToOperator(ctx, "boss", "heads up")

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	for _, want := range []string{
		"(seen by bot in you)",
		"(bot is typing to you...)",
		"(bot reacted ❤️ in you)",
		"bot → you: hey!",
		"[to boss] heads up",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	if err := c.Send(ctx, "you", &channels.OutgoingMessage{Content: "late"}); err == nil {
		t.Error("Send after Disconnect should fail")
	}
}
