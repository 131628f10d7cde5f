package clock

import (
	"context"
	"testing"
	"time"
)

func TestUniform(t *testing.T) {
	t.Parallel()

	lo, hi := 2*time.Second, 5*time.Second
	for i := 0; i < 1000; i++ {
		d := Uniform(lo, hi)
		if d < lo || d > hi {
			t.Fatalf("Uniform(%v, %v) = %v, out of range", lo, hi, d)
		}
	}

	if got := Uniform(hi, lo); got != hi {
		t.Errorf("inverted range: got %v, want %v", got, hi)
	}
	if got := Uniform(lo, lo); got != lo {
		t.Errorf("empty range: got %v, want %v", got, lo)
	}
}

func TestFake_SleepAdvancesTime(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if err := c.Sleep(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := c.Sleep(context.Background(), time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	if got := c.Now().Sub(start); got != 4*time.Second {
		t.Errorf("elapsed = %v, want 4s", got)
	}
	slept := c.Slept()
	if len(slept) != 2 || slept[0] != 3*time.Second || slept[1] != time.Second {
		t.Errorf("Slept() = %v", slept)
	}
}

func TestFake_SleepCancelled(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if len(c.Slept()) != 0 {
		t.Error("cancelled sleep should not be recorded")
	}
}

func TestFake_AfterFunc(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	var order []string

	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := c.AfterFunc(time.Second, func() { order = append(order, "never") })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	if stopped.Stop() {
		t.Fatal("second Stop should return false")
	}

	c.Advance(500 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("nothing should fire yet, got %v", order)
	}

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("fire order = %v, want [a b]", order)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}
