package timex

import (
	"context"
	"testing"
	"time"
)

func TestSleepUntilFake(t *testing.T) {
	c := NewFakeClock(100)
	if err := SleepUntil(context.Background(), c, 1600); err != nil {
		t.Fatal(err)
	}
	if c.Millis() != 1600 {
		t.Fatalf("now=%d want 1600", c.Millis())
	}
	// Past deadlines return immediately.
	if err := SleepUntil(context.Background(), c, 10); err != nil || c.Millis() != 1600 {
		t.Fatalf("past deadline moved clock: %d %v", c.Millis(), err)
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	c := NewFakeClock(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected ctx error")
	}
	if c.Millis() != 0 {
		t.Fatal("cancelled sleep advanced time")
	}
}

func TestOnTick(t *testing.T) {
	c := NewFakeClock(0)
	var seen []int64
	c.OnTick(func(now int64) { seen = append(seen, now) })
	_ = c.Sleep(context.Background(), 5*time.Millisecond)
	c.Advance(10)
	if len(seen) != 2 || seen[0] != 5 || seen[1] != 15 {
		t.Fatalf("ticks %v", seen)
	}
}

func TestRealClockSleepCancel(t *testing.T) {
	c := NewClock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := c.Sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}
