package pacing

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/clock"
	"github.com/jholhewres/pacebot/pkg/pacebot/directive"
)

// recorder captures the order in which actions ran.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) actions() Actions {
	return Actions{
		Seen:      func(context.Context) error { r.add("seen"); return nil },
		TypingOn:  func(context.Context) error { r.add("typing_on"); return nil },
		TypingOff: func(context.Context) error { r.add("typing_off"); return nil },
		Send:      func(_ context.Context, text string) error { r.add("send:" + text); return nil },
		React:     func(_ context.Context, glyph string) error { r.add("react:" + glyph); return nil },
	}
}

func lowest(lo, _ time.Duration) time.Duration { return lo }

func newTestPipeline(t *testing.T) (*Pipeline, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	p := New(DefaultConfig(), clk, directive.DefaultBusinessKeyword, nil)
	p.SetDurationSource(lowest)
	return p, clk
}

func TestDeliver_Order(t *testing.T) {
	p, clk := newTestPipeline(t)
	rec := &recorder{}

	err := p.Deliver(context.Background(), Delivery{
		ConversationID: "chat",
		Reply:          "hello",
		Directives:     directive.Set{Reaction: "smile"},
		Actions:        rec.actions(),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	want := []string{"react:smile", "seen", "typing_on", "typing_off", "send:hello"}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	wantSleeps := []time.Duration{
		time.Second,            // reaction delay
		2 * time.Second,        // seen delay
		time.Second,            // pause
		250 * time.Millisecond, // 5 chars at 50ms
	}
	if got := clk.Slept(); !reflect.DeepEqual(got, wantSleeps) {
		t.Errorf("sleeps = %v, want %v", got, wantSleeps)
	}
}

func TestDeliver_NoReaction(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}

	if err := p.Deliver(context.Background(), Delivery{Reply: "ok", Actions: rec.actions()}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := []string{"seen", "typing_on", "typing_off", "send:ok"}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDeliver_ReservedGlyphNotSentAsReaction(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}

	err := p.Deliver(context.Background(), Delivery{
		Reply:      "hi",
		Directives: directive.Set{Reaction: "Business"},
		Actions:    rec.actions(),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	for _, ev := range rec.list() {
		if strings.HasPrefix(ev, "react:") {
			t.Errorf("reserved keyword sent as reaction: %s", ev)
		}
	}
}

func TestDeliver_TypingCapped(t *testing.T) {
	p, clk := newTestPipeline(t)
	long := strings.Repeat("a", 1000)

	if err := p.Deliver(context.Background(), Delivery{Reply: long, Actions: (&recorder{}).actions()}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	slept := clk.Slept()
	if got := slept[len(slept)-1]; got != DefaultConfig().TypingCap {
		t.Errorf("typing delay = %v, want cap %v", got, DefaultConfig().TypingCap)
	}
}

func TestTypingDelay_CountsRunes(t *testing.T) {
	p, _ := newTestPipeline(t)
	if got := p.TypingDelay("olá", 100*time.Millisecond); got != 300*time.Millisecond {
		t.Errorf("TypingDelay = %v, want 300ms", got)
	}
}

func TestDeliver_EmptyReplySkipsTypingAndSend(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}

	err := p.Deliver(context.Background(), Delivery{
		Directives: directive.Set{Reaction: "heart"},
		Actions:    rec.actions(),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := []string{"react:heart", "seen"}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDeliver_SideActionFailuresContinue(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}
	actions := rec.actions()
	boom := errors.New("boom")
	actions.Seen = func(context.Context) error { return boom }
	actions.TypingOn = func(context.Context) error { return boom }
	actions.React = func(context.Context, string) error { return boom }

	err := p.Deliver(context.Background(), Delivery{
		Reply:      "still sent",
		Directives: directive.Set{Reaction: "smile"},
		Actions:    actions,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := []string{"typing_off", "send:still sent"}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDeliver_SendFailureReturned(t *testing.T) {
	p, _ := newTestPipeline(t)
	actions := (&recorder{}).actions()
	boom := errors.New("socket closed")
	actions.Send = func(context.Context, string) error { return boom }

	err := p.Deliver(context.Background(), Delivery{Reply: "x", Actions: actions})
	if !errors.Is(err, boom) {
		t.Errorf("Deliver err = %v, want wrapped %v", err, boom)
	}
}

func TestDeliver_CancelledContext(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Deliver(ctx, Delivery{Reply: "x", Actions: rec.actions()})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Deliver err = %v, want context.Canceled", err)
	}
	if got := rec.list(); len(got) != 0 {
		t.Errorf("actions ran after cancellation: %v", got)
	}
}

func TestDeliver_ForwardDoesNotBlock(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}
	actions := rec.actions()

	release := make(chan struct{})
	forwarded := make(chan struct{})
	actions.Forward = func(context.Context) error {
		<-release
		close(forwarded)
		return nil
	}

	err := p.Deliver(context.Background(), Delivery{
		Reply:      "deal",
		Directives: directive.Set{Business: true},
		Actions:    actions,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := rec.list(); got[len(got)-1] != "send:deal" {
		t.Fatalf("send did not complete while forward was pending: %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("Wait returned before the forward finished")
	}

	close(release)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case <-forwarded:
	default:
		t.Error("forward never ran")
	}
}

func TestDeliver_NoForwardWhenSendFails(t *testing.T) {
	p, _ := newTestPipeline(t)
	actions := (&recorder{}).actions()
	actions.Send = func(context.Context, string) error { return errors.New("socket closed") }
	var forwarded bool
	actions.Forward = func(context.Context) error {
		forwarded = true
		return nil
	}

	err := p.Deliver(context.Background(), Delivery{
		Reply:      "deal",
		Directives: directive.Set{Business: true},
		Actions:    actions,
	})
	if err == nil {
		t.Fatal("Deliver should report the failed send")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if forwarded {
		t.Error("operator was notified about a reply that was never sent")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.SeenDelay = Range{Min: 5 * time.Second, Max: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for inverted seen_delay")
	}
}
