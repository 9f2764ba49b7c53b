package timex

import (
	"context"
	"sync"
	"time"
)

// Clock is the firmware time source: milliseconds since boot plus a
// cancellable sleep that doubles as the cooperative yield of polling loops.
type Clock interface {
	Millis() int64
	Sleep(ctx context.Context, d time.Duration) error
}

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// SleepUntil blocks until clk reaches deadline (ms since boot) or ctx ends.
func SleepUntil(ctx context.Context, clk Clock, deadline int64) error {
	for {
		now := clk.Millis()
		if now >= deadline {
			return ctx.Err()
		}
		if err := clk.Sleep(ctx, time.Duration(deadline-now)*time.Millisecond); err != nil {
			return err
		}
	}
}

// Since returns elapsed ms since start.
func Since(clk Clock, start int64) int64 { return clk.Millis() - start }

// ----------------------------------------------------------------------------
// Real clock
// ----------------------------------------------------------------------------

type realClock struct{ boot time.Time }

// NewClock returns a monotonic clock whose zero is the call time.
func NewClock() Clock { return realClock{boot: time.Now()} }

func (c realClock) Millis() int64 { return time.Since(c.boot).Milliseconds() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer StopTimer(t)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StopTimer stops t and drains a pending fire.
func StopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// ----------------------------------------------------------------------------
// Fake clock
// ----------------------------------------------------------------------------

// FakeClock advances only when slept on or told to. Sleep returns at once,
// so polling loops under test run as fast as the CPU allows.
type FakeClock struct {
	mu     sync.Mutex
	now    int64
	onTick func(now int64)
}

func NewFakeClock(start int64) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Millis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	c.Advance(ms)
	return ctx.Err()
}

// Advance moves time forward by ms and runs the tick hook, if any.
func (c *FakeClock) Advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	now, fn := c.now, c.onTick
	c.mu.Unlock()
	if fn != nil {
		fn(now)
	}
}

// OnTick installs a hook run after every advance; tests use it to script
// the world (water, charger) against time.
func (c *FakeClock) OnTick(fn func(now int64)) {
	c.mu.Lock()
	c.onTick = fn
	c.mu.Unlock()
}
