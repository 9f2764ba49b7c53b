package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/errcode"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
	"smartfin-go/schedule"
	"smartfin-go/sensors"
	"smartfin-go/system"
)

// TempCal records one temperature calibration cycle into a session and
// books the remaining cycles in nvram.
type TempCal struct {
	d     *system.Desc
	log   *zap.Logger
	sched *schedule.Schedule
	open  []sensors.Device

	collect  time.Duration
	attempts uint8
}

func NewTempCal(d *system.Desc) *TempCal {
	return &TempCal{d: d, log: d.Log.Named("tempcal")}
}

// params reads the calibration settings, falling back to config and
// seeding nvram on a fresh start.
func (t *TempCal) params() {
	d, cfg := t.d, t.d.Cfg.TempCal
	t.collect = cfg.CollectionPeriod
	if s, err := nvram.GetU32(d.NVRAM, nvram.TmpCalDataCollectionPeriodSec); err == nil && s > 0 {
		t.collect = time.Duration(s) * time.Second
	}
	t.attempts = cfg.Attempts
	if d.Boot.Get() == boot.TempCalStart {
		if err := nvram.PutU8(d.NVRAM, nvram.TmpCalAttemptsTotal, cfg.Attempts); err != nil {
			t.log.Warn("attempts not saved", zap.Error(err))
		}
		return
	}
	if n, err := nvram.GetU8(d.NVRAM, nvram.TmpCalAttemptsTotal); err == nil {
		t.attempts = n
	} else if errcode.Of(err) != errcode.NotFound {
		t.log.Warn("attempts unreadable", zap.Error(err))
	}
}

// cyclePeriod is the wait between calibration cycles.
func cyclePeriod(d *system.Desc) time.Duration {
	if s, err := nvram.GetU32(d.NVRAM, nvram.TmpCalCyclePeriodSec); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	return d.Cfg.TempCal.CyclePeriod
}

func (t *TempCal) Init(ctx context.Context) {
	d := t.d
	d.Printf("Entering STATE_CALIBRATE\n")
	d.FLog.Add(flog.CalInit, uint16(d.Boot.Get()))
	t.params()

	t.open = openSensors(d, t.log, sensorSlot{flog.RideTempFail, d.Temp})
	var err error
	if t.sched, err = newSchedule(d, d.Cfg.TempCal.Schedule, t.log); err != nil {
		t.log.Error("calibration schedule rejected", zap.Error(err))
		return
	}
	if err := d.Recorder.OpenSession(d.Cfg.TempCal.File); err != nil {
		t.log.Warn("calibration session not opened", zap.Error(err))
	}
	t.sched.Initialize(d.Clock.Millis())
}

func (t *TempCal) Run(ctx context.Context) fsm.State {
	d := t.d
	if t.sched == nil || t.attempts == 0 {
		d.FLog.Add(flog.CalLimit, uint16(t.attempts))
		t.finish(0)
		return fsm.DeepSleep
	}
	d.FLog.Add(flog.CalStartRun, uint16(t.attempts))
	start := d.Clock.Millis()
	for !elapsed(d.Clock, start, t.collect) {
		if d.Flags.BatteryLow.Load() {
			d.FLog.Add(flog.CalSleep, uint16(d.Voltage()*1000))
			return fsm.DeepSleep
		}
		d.Water.Sample()
		if _, err := t.sched.RunNext(ctx, d.Clock); err != nil {
			if ctx.Err() != nil {
				return fsm.Null
			}
			if errcode.Of(err) != errcode.NoData {
				t.log.Warn("schedule", zap.Error(err))
			}
			if !yield(ctx, d.Clock) {
				return fsm.Null
			}
		}
	}
	t.finish(t.attempts - 1)
	return fsm.DeepSleep
}

// finish stores the remaining cycles and the behavior for the next wake.
func (t *TempCal) finish(remaining uint8) {
	d := t.d
	if err := nvram.PutU8(d.NVRAM, nvram.TmpCalAttemptsTotal, remaining); err != nil {
		t.log.Warn("attempts not saved", zap.Error(err))
	}
	next := boot.TempCalContinue
	if remaining == 0 {
		next = boot.Normal
		d.FLog.Add(flog.CalDone, 0)
	}
	if err := d.Boot.Set(next); err != nil {
		t.log.Warn("boot behavior not saved", zap.Error(err))
	}
	t.log.Info("cycle done", zap.Uint8("remaining", remaining), zap.Stringer("boot", next))
}

func (t *TempCal) Exit() {
	d := t.d
	if err := d.Recorder.CloseSession(); err != nil {
		t.log.Warn("session close failed", zap.Error(err))
	}
	closeSensors(t.open)
	t.open = nil
	d.FLog.Add(flog.CalExit, 0)
}
