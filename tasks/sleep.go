package tasks

import (
	"context"

	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/fsm"
	"smartfin-go/system"
	"smartfin-go/water"
)

// DeepSleep persists the boot behavior, powers down and waits for a wake
// source: the charger, water, or the timer a pending boot action set.
type DeepSleep struct {
	d     *system.Desc
	log   *zap.Logger
	start int64
}

func NewDeepSleep(d *system.Desc) *DeepSleep {
	return &DeepSleep{d: d, log: d.Log.Named("sleep")}
}

func (t *DeepSleep) Init(ctx context.Context) {
	d := t.d
	d.Printf("Entering SYSTEM_STATE_DEEP_SLEEP\n")
	t.start = d.Clock.Millis()
	if d.Flags.HasCharger.Load() {
		return
	}
	var err error
	if d.Flags.BatteryLow.Load() {
		err = d.Boot.Set(boot.Normal)
	} else {
		err = d.Boot.Commit()
	}
	if err != nil {
		t.log.Warn("boot behavior not saved", zap.Error(err))
	}
	d.Deinit()
	d.Water.SetWindow(d.Cfg.Water.Window)
	t.log.Info("sleeping", zap.Stringer("boot", d.Boot.Get()))
}

func (t *DeepSleep) Run(ctx context.Context) fsm.State {
	d, cfg := t.d, t.d.Cfg
	poll := cfg.Sleep.Poll
	if poll <= 0 {
		poll = tick
	}
	for {
		if d.Flags.HasCharger.Load() {
			return fsm.Charge
		}
		if cfg.Sleep.WakeOnWater && d.Water.Sample() == water.High {
			t.log.Info("woke on water")
			return fsm.Charge
		}
		if !d.Flags.BatteryLow.Load() {
			switch d.Boot.Get() {
			case boot.UploadReattempt:
				if elapsed(d.Clock, t.start, cfg.Upload.ReattemptDelay) {
					d.Printf("Waking up to reattempt upload\n")
					return fsm.Upload
				}
			case boot.TempCalStart, boot.TempCalContinue:
				if elapsed(d.Clock, t.start, cyclePeriod(d)) {
					return fsm.TempCal
				}
			}
		}
		if d.Clock.Sleep(ctx, poll) != nil {
			return fsm.Null
		}
	}
}

func (t *DeepSleep) Exit() {}
