// Package schedule runs ensemble producers from a fixed table: each entry
// fires after its start delay and then every interval, or only once.
package schedule

import (
	"context"
	"time"

	"smartfin-go/errcode"
	"smartfin-go/x/timex"
)

// Event is handed to a producer when its entry fires.
type Event struct {
	Now        int64 // ms since boot
	Start      int64 // schedule start, ms since boot
	Due        int64 // the due time that fired
	Accumulate uint32
}

// Producer is one ensemble source. Init clears its accumulator; Emit takes a
// sample and writes a record once Accumulate samples are in.
type Producer interface {
	Init()
	Emit(ev Event)
}

// Entry is one row of a schedule table.
type Entry struct {
	Name       string
	Producer   Producer
	Accumulate uint32
	Delay      time.Duration
	Interval   time.Duration
	Once       bool

	start       int64
	lastExecute int64
	ran         bool
}

// Due returns when e next fires; ok is false for a run-once entry that
// already ran.
func (e *Entry) Due() (due int64, ok bool) {
	if !e.ran {
		return e.start + e.Delay.Milliseconds(), true
	}
	if e.Once {
		return 0, false
	}
	return e.lastExecute + e.Interval.Milliseconds(), true
}

// LastExecute returns the due time of the last firing and whether it ran.
func (e *Entry) LastExecute() (int64, bool) { return e.lastExecute, e.ran }

// Schedule is an ordered table. Order breaks ties between equal due times.
type Schedule struct {
	entries []*Entry
	start   int64
}

// New validates the table.
func New(entries ...*Entry) (*Schedule, error) {
	for _, e := range entries {
		switch {
		case e == nil || e.Producer == nil:
			return nil, errcode.New(errcode.InvalidParams, "schedule.new", "entry without producer")
		case e.Accumulate == 0:
			return nil, errcode.New(errcode.InvalidParams, "schedule.new", e.Name+": accumulate must be >= 1")
		case !e.Once && e.Interval <= 0:
			return nil, errcode.New(errcode.InvalidParams, "schedule.new", e.Name+": interval must be > 0")
		case e.Delay < 0:
			return nil, errcode.New(errcode.InvalidParams, "schedule.new", e.Name+": negative delay")
		}
	}
	return &Schedule{entries: entries}, nil
}

func (s *Schedule) Entries() []*Entry { return s.entries }

// Initialize stamps every entry with start, marks it never run and resets
// its producer.
func (s *Schedule) Initialize(start int64) {
	s.start = start
	for _, e := range s.entries {
		e.start = start
		e.lastExecute = 0
		e.ran = false
		e.Producer.Init()
	}
}

// NextEvent returns the entry with the earliest due time; equal due times
// go to the earlier table row. ok is false when nothing is pending.
func (s *Schedule) NextEvent() (next *Entry, due int64, ok bool) {
	for _, e := range s.entries {
		d, pending := e.Due()
		if !pending {
			continue
		}
		if next == nil || d < due {
			next, due = e, d
		}
	}
	return next, due, next != nil
}

// Fire runs e's producer and records due as its execution time, so late
// firings do not push later ones back.
func (s *Schedule) Fire(e *Entry, due, now int64) {
	e.Producer.Emit(Event{Now: now, Start: e.start, Due: due, Accumulate: e.Accumulate})
	e.lastExecute = due
	e.ran = true
}

// RunNext waits for the next due entry and fires it. It returns
// errcode.NoData when no entry is pending.
func (s *Schedule) RunNext(ctx context.Context, clk timex.Clock) (*Entry, error) {
	e, due, ok := s.NextEvent()
	if !ok {
		return nil, errcode.NoData
	}
	if err := timex.SleepUntil(ctx, clk, due); err != nil {
		return nil, err
	}
	s.Fire(e, due, clk.Millis())
	return e, nil
}
