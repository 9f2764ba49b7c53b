package tasks

import (
	"context"

	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/fsm"
	"smartfin-go/system"
	"smartfin-go/water"
)

// Charge waits on the charger for water, a console interrupt or a pending
// boot action.
type Charge struct {
	d     *system.Desc
	log   *zap.Logger
	start int64
	input []byte // the last len(interrupt) console bytes
}

func NewCharge(d *system.Desc) *Charge {
	return &Charge{d: d, log: d.Log.Named("charge")}
}

func (t *Charge) Init(ctx context.Context) {
	t.d.Printf("Entering SYSTEM_STATE_CHARGING\n")
	t.d.Water.SetWindow(t.d.Cfg.Water.Window)
	t.input = make([]byte, len(t.d.Cfg.CLI.Interrupt))
	t.start = t.d.Clock.Millis()
}

// interrupted shifts pending console bytes through the phrase window.
func (t *Charge) interrupted() bool {
	phrase := t.d.Cfg.CLI.Interrupt
	if phrase == "" {
		t.d.Console.Flush()
		return false
	}
	for {
		b, ok := t.d.Console.Key()
		if !ok {
			return false
		}
		copy(t.input, t.input[1:])
		t.input[len(t.input)-1] = b
		if string(t.input) == phrase {
			return true
		}
	}
}

func (t *Charge) Run(ctx context.Context) fsm.State {
	d, cfg := t.d, t.d.Cfg
	behavior := d.Boot.Get()
	for {
		if t.interrupted() {
			return fsm.CLI
		}
		// Before the charger check: a water wake arrives here unplugged.
		if d.Water.Sample() == water.High {
			return fsm.SessionInit
		}
		if !d.Flags.HasCharger.Load() {
			return fsm.DeepSleep
		}
		switch behavior {
		case boot.UploadReattempt:
			if elapsed(d.Clock, t.start, cfg.Upload.ReattemptDelay) {
				t.log.Info("upload reattempt due")
				return fsm.Upload
			}
		case boot.TempCalStart:
			return fsm.TempCal
		case boot.TempCalContinue:
			if elapsed(d.Clock, t.start, cyclePeriod(d)) {
				return fsm.TempCal
			}
		}
		if !yield(ctx, d.Clock) {
			return fsm.Null
		}
	}
}

func (t *Charge) Exit() {}
