package quota

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jholhewres/pacebot/pkg/pacebot/snapshot"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// fixedCooldown makes the drawn cooldown deterministic.
func fixedCooldown(d time.Duration) func(lo, hi time.Duration) time.Duration {
	return func(time.Duration, time.Duration) time.Duration { return d }
}

func newTestLimiter(t *testing.T, backend snapshot.Backend) *Limiter {
	t.Helper()
	l := NewLimiter(DefaultConfig(), backend, nil)
	l.SetDurationSource(fixedCooldown(30 * time.Second))
	return l
}

func TestEvaluate_FreshConversationAllowed(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)

	d := l.Evaluate("5511999990000@s.whatsapp.net", t0)
	if !d.Allowed || d.Reason != ReasonNone || d.RetryAfter != 0 {
		t.Errorf("Evaluate = %+v, want allowed/none", d)
	}
	if _, ok := l.Record("5511999990000@s.whatsapp.net"); ok {
		t.Error("Evaluate must not create a record")
	}
}

func TestEvaluate_CooldownAfterAccept(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)
	id := "chat-a"

	if d := l.Evaluate(id, t0); !d.Allowed {
		t.Fatalf("first evaluate rejected: %+v", d)
	}
	l.Accept(id, t0)

	d := l.Evaluate(id, t0)
	if d.Allowed || d.Reason != ReasonCooldown {
		t.Fatalf("Evaluate after Accept = %+v, want cooldown", d)
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", d.RetryAfter)
	}

	d = l.Evaluate(id, t0.Add(10*time.Second))
	if d.Reason != ReasonCooldown || d.RetryAfter != 20*time.Second {
		t.Errorf("mid-cooldown = %+v, want cooldown with 20s left", d)
	}

	if d := l.Evaluate(id, t0.Add(30*time.Second)); !d.Allowed {
		t.Errorf("after cooldown = %+v, want allowed", d)
	}
}

func TestAccept_CooldownWithinConfiguredRange(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	l := NewLimiter(cfg, nil, nil)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("chat-%d", i)
		l.Accept(id, t0)
		rec, ok := l.Record(id)
		if !ok {
			t.Fatalf("record %s missing after Accept", id)
		}
		if rec.Cooldown < cfg.MinReplyDelay || rec.Cooldown > cfg.MaxReplyDelay {
			t.Fatalf("cooldown %v outside [%v, %v]", rec.Cooldown, cfg.MinReplyDelay, cfg.MaxReplyDelay)
		}
	}
}

func TestEvaluate_HourlyLimit(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)
	id := "chatty"

	// One reply per minute keeps every accept clear of the 30s cooldown.
	now := t0
	for i := 0; i < 9; i++ {
		l.Accept(id, now)
		now = now.Add(time.Minute)
	}

	d := l.Evaluate(id, now)
	if d.Allowed || d.Reason != ReasonHourlyLimit {
		t.Fatalf("Evaluate = %+v, want hourly_limit", d)
	}
	if d.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %v, want 1h", d.RetryAfter)
	}

	// Once the first accepts age out of the hour the conversation is free again.
	if d := l.Evaluate(id, t0.Add(time.Hour+5*time.Minute)); !d.Allowed {
		t.Errorf("after window = %+v, want allowed", d)
	}
}

func TestEvaluate_CooldownOutranksHourly(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)
	id := "chatty"

	now := t0
	for i := 0; i < 8; i++ {
		now = now.Add(time.Minute)
		l.Accept(id, now)
	}

	if d := l.Evaluate(id, now); d.Reason != ReasonCooldown {
		t.Errorf("Evaluate inside cooldown = %+v, want cooldown first", d)
	}
	if d := l.Evaluate(id, now.Add(time.Minute)); d.Reason != ReasonHourlyLimit {
		t.Errorf("Evaluate after cooldown = %+v, want hourly_limit", d)
	}
}

func TestEvaluate_DailyLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxPerUserDaily = 5
	l := NewLimiter(cfg, nil, nil)
	l.SetDurationSource(fixedCooldown(time.Second))
	id := "daily"

	// Spread accepts across the day so the hourly cap never trips.
	now := t0
	for i := 0; i < 5; i++ {
		l.Accept(id, now)
		now = now.Add(2 * time.Hour)
	}

	d := l.Evaluate(id, now)
	if d.Allowed || d.Reason != ReasonDailyLimit || d.RetryAfter != 24*time.Hour {
		t.Fatalf("Evaluate = %+v, want daily_limit/24h", d)
	}
}

func TestEvaluate_GlobalPerMinute(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)

	for i := 0; i < 15; i++ {
		l.Accept(fmt.Sprintf("conv-%02d", i), t0.Add(time.Duration(i)*time.Second))
	}

	d := l.Evaluate("conv-new", t0.Add(20*time.Second))
	if d.Allowed || d.Reason != ReasonGlobalLimit || d.RetryAfter != time.Minute {
		t.Fatalf("Evaluate = %+v, want global_limit/1m", d)
	}

	if d := l.Evaluate("conv-new", t0.Add(2*time.Minute)); !d.Allowed {
		t.Errorf("after minute window = %+v, want allowed", d)
	}
}

func TestEvaluate_GlobalPerHour(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxPerHour = 3
	l := NewLimiter(cfg, nil, nil)

	for i := 0; i < 3; i++ {
		l.Accept(fmt.Sprintf("conv-%d", i), t0.Add(time.Duration(i)*10*time.Minute))
	}
	if d := l.Evaluate("other", t0.Add(40*time.Minute)); d.Reason != ReasonGlobalLimit {
		t.Errorf("Evaluate = %+v, want global_limit", d)
	}
}

func TestEvaluate_UserLimitOutranksGlobal(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)

	for i := 0; i < 15; i++ {
		l.Accept(fmt.Sprintf("conv-%02d", i), t0)
	}
	if d := l.Evaluate("conv-00", t0.Add(time.Second)); d.Reason != ReasonCooldown {
		t.Errorf("Evaluate = %+v, want cooldown to mask global", d)
	}
}

func TestEvaluate_RejectionHasNoSideEffects(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)
	l.Accept("a", t0)
	before, _ := l.Record("a")
	dirty := l.Dirty()

	for i := 0; i < 5; i++ {
		l.Evaluate("a", t0.Add(time.Second))
	}

	after, _ := l.Record("a")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("record changed by rejected evaluate: %+v -> %+v", before, after)
	}
	if l.Dirty() != dirty {
		t.Error("evaluate changed the dirty flag")
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)

	l.Accept("stale", t0)
	l.Accept("fresh", t0.Add(20*time.Hour))

	now := t0.Add(25 * time.Hour)
	if n := l.Sweep(now); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := l.Record("stale"); ok {
		t.Error("stale record survived sweep")
	}
	if _, ok := l.Record("fresh"); !ok {
		t.Error("fresh record was swept")
	}

	if n := l.Sweep(now); n != 0 {
		t.Errorf("second Sweep removed %d, want 0", n)
	}
	if got := l.Stats(now).Conversations; got != 1 {
		t.Errorf("Conversations = %d, want 1", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, err := snapshot.NewFileBackend(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	l := newTestLimiter(t, backend)
	l.Accept("a", t0)
	l.Accept("a", t0.Add(time.Minute))
	l.Accept("b", t0.Add(2*time.Minute))

	if !l.Dirty() {
		t.Fatal("limiter should be dirty after accepts")
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if l.Dirty() {
		t.Error("dirty flag should clear after flush")
	}

	reloaded := newTestLimiter(t, backend)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reflect.DeepEqual(normalize(l.Records()), normalize(reloaded.Records())) {
		t.Errorf("records differ after reload:\n got  %+v\n want %+v", reloaded.Records(), l.Records())
	}

	probe := t0.Add(2*time.Minute + 10*time.Second)
	for _, id := range []string{"a", "b", "c"} {
		if got, want := reloaded.Evaluate(id, probe).Reason, l.Evaluate(id, probe).Reason; got != want {
			t.Errorf("Evaluate(%s) after reload = %s, want %s", id, got, want)
		}
	}
}

func TestLoad_MalformedSnapshotResetsToEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, err := snapshot.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := backend.Write(ctx, SnapshotName, []byte("{not json")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	l := newTestLimiter(t, backend)
	l.Accept("pre-existing", t0)
	if err := l.Load(ctx); err == nil {
		t.Error("expected Load to report the malformed snapshot")
	}
	if got := len(l.Records()); got != 0 {
		t.Errorf("records after malformed load = %d, want 0", got)
	}
	if d := l.Evaluate("pre-existing", t0); !d.Allowed {
		t.Errorf("limiter unusable after malformed load: %+v", d)
	}
}

func TestLoad_MissingSnapshot(t *testing.T) {
	t.Parallel()
	backend, err := snapshot.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	l := newTestLimiter(t, backend)
	if err := l.Load(context.Background()); err != nil {
		t.Errorf("Load with no snapshot: %v", err)
	}
}

func TestRecordJSONFormat(t *testing.T) {
	t.Parallel()
	rec := Record{
		Recent:    []time.Time{time.UnixMilli(1000), time.UnixMilli(2000)},
		LastReply: time.UnixMilli(2000),
		Cooldown:  1500 * time.Millisecond,
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	want := `{"recentMessageTimestamps":[1000,2000],"lastReplyInstant":2000,"cooldownDuration":1500}`
	if string(data) != want {
		t.Errorf("MarshalJSON = %s, want %s", data, want)
	}
}

// normalize strips monotonic clock readings and locations so records built
// in memory compare equal to records decoded from a snapshot.
func normalize(m map[string]Record) map[string]Record {
	out := make(map[string]Record, len(m))
	for id, r := range m {
		n := Record{Cooldown: r.Cooldown, LastReply: time.UnixMilli(r.LastReply.UnixMilli())}
		for _, ts := range r.Recent {
			n.Recent = append(n.Recent, time.UnixMilli(ts.UnixMilli()))
		}
		out[id] = n
	}
	return out
}

func TestAdmit_ReservationsCountAgainstGlobal(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxPerMinute = 2
	l := NewLimiter(cfg, nil, nil)

	for _, id := range []string{"a", "b"} {
		if d := l.Admit(id, t0); !d.Allowed {
			t.Fatalf("Admit(%s) = %+v, want allowed", id, d)
		}
	}
	if d := l.Admit("c", t0); d.Reason != ReasonGlobalLimit {
		t.Fatalf("Admit(c) with two slots reserved = %+v, want global_limit", d)
	}
	if got := l.Stats(t0).Reserved; got != 2 {
		t.Errorf("Reserved = %d, want 2", got)
	}

	// Re-admitting a conversation that already holds a slot does not count it twice.
	if d := l.Admit("a", t0); !d.Allowed {
		t.Errorf("Admit(a) again = %+v, want allowed", d)
	}

	l.Release("b")
	if d := l.Admit("c", t0); !d.Allowed {
		t.Fatalf("Admit(c) after release = %+v, want allowed", d)
	}

	l.Accept("a", t0)
	l.Accept("c", t0)
	stats := l.Stats(t0)
	if stats.Reserved != 0 || stats.GlobalLastMinute != 2 {
		t.Errorf("stats after accept = %+v, want 2 accepted and none reserved", stats)
	}
	if d := l.Admit("d", t0); d.Reason != ReasonGlobalLimit {
		t.Errorf("Admit(d) = %+v, want global_limit", d)
	}
}

func TestEvaluate_ClockBehindLastReply(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, nil)
	l.Accept("a", t0)

	d := l.Evaluate("a", t0.Add(-5*time.Minute))
	if d.Reason != ReasonCooldown {
		t.Fatalf("Evaluate = %+v, want cooldown", d)
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want at most the 30s cooldown", d.RetryAfter)
	}
}
