package tasks

import (
	"context"

	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/errcode"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/recorder"
	"smartfin-go/schedule"
	"smartfin-go/sensors"
	"smartfin-go/system"
	"smartfin-go/water"
)

// ----------------------------------------------------------------------------
// SessionInit
// ----------------------------------------------------------------------------

// SessionInit powers the GPS and waits, with a short water window, for the
// fin to be in the water. The GPS date names the session.
type SessionInit struct {
	d      *system.Desc
	log    *zap.Logger
	locked bool
}

func NewSessionInit(d *system.Desc) *SessionInit {
	return &SessionInit{d: d, log: d.Log.Named("session_init")}
}

func (t *SessionInit) Init(ctx context.Context) {
	d := t.d
	d.Printf("Entering SYSTEM_STATE_SURF_SESSION_INIT\n")
	d.GPS.Power(true)
	_ = d.Clock.Sleep(ctx, d.Cfg.Ride.GPSStartup)
	t.locked = false

	d.Water.Reset()
	d.Water.SetWindow(d.Cfg.Water.InitWindow)
	d.Water.Force(water.Low)
}

func (t *SessionInit) Run(ctx context.Context) fsm.State {
	d := t.d
	start := d.Clock.Millis()
	for {
		d.GPS.Drain(d.GPSRx)
		if ts, ok := d.GPS.DateTime(); ok {
			if name := ts.Format(recorder.SessionNameStamp); name != d.Recorder.SessionName() {
				d.Recorder.SetSessionName(name)
				d.Printf("Filename is %s\n", name)
			}
		}
		switch locked := d.GPS.Locked(); {
		case locked && !t.locked:
			t.log.Info("gps lock", zap.Int64("after_ms", d.Clock.Millis()-start))
			t.locked = true
		case !locked:
			t.locked = false
		}

		if d.Water.Sample() == water.High {
			return fsm.Deployed
		}
		if d.Flags.BatteryLow.Load() {
			d.FLog.Add(flog.RideBattLow, uint16(d.Voltage()*1000))
			return fsm.DeepSleep
		}
		if elapsed(d.Clock, start, d.Cfg.Ride.InitTimeout) {
			t.log.Info("no water before timeout")
			d.FLog.Add(flog.RideInitTimeout, 0)
			if err := d.Boot.Set(boot.Normal); err != nil {
				t.log.Warn("boot behavior not saved", zap.Error(err))
			}
			return fsm.DeepSleep
		}
		if !yield(ctx, d.Clock) {
			return fsm.Null
		}
	}
}

func (t *SessionInit) Exit() {}

// ----------------------------------------------------------------------------
// Deployed
// ----------------------------------------------------------------------------

// Deployed records a session: it runs the ride schedule into the recorder
// until the fin leaves the water or the battery runs low.
type Deployed struct {
	d     *system.Desc
	log   *zap.Logger
	sched *schedule.Schedule
	open  []sensors.Device
}

func NewDeployed(d *system.Desc) *Deployed {
	return &Deployed{d: d, log: d.Log.Named("deployed")}
}

// sensorSlot pairs a device with the fault recorded when it fails to open.
type sensorSlot struct {
	fault flog.Code
	dev   sensors.Device
}

// openSensors opens every present sensor, logging failures. The ride goes
// on with whatever opened.
func openSensors(d *system.Desc, log *zap.Logger, slots ...sensorSlot) []sensors.Device {
	var opened []sensors.Device
	for _, s := range slots {
		if s.dev == nil {
			continue
		}
		if err := s.dev.Open(); err != nil {
			log.Warn("sensor open failed", zap.Stringer("fault", s.fault), zap.Error(err))
			d.FLog.Add(s.fault, 0)
			continue
		}
		opened = append(opened, s.dev)
	}
	return opened
}

func closeSensors(devs []sensors.Device) {
	for _, dev := range devs {
		_ = dev.Close()
	}
}

func (t *Deployed) Init(ctx context.Context) {
	d := t.d
	d.Printf("Entering STATE_DEPLOYED\n")

	t.open = openSensors(d, t.log,
		sensorSlot{flog.RideTempFail, d.Temp},
		sensorSlot{flog.RideIMUFail, d.IMU},
		sensorSlot{flog.RideMagFail, d.Mag},
	)

	var err error
	if t.sched, err = newSchedule(d, d.Cfg.Ride.Schedule, t.log); err != nil {
		t.log.Error("ride schedule rejected", zap.Error(err))
		return
	}
	t.sched.Initialize(d.Clock.Millis())
	t.openSession()
}

func (t *Deployed) openSession() {
	if t.d.Recorder.IsOpen() {
		return
	}
	if err := t.d.Recorder.OpenSession(""); err != nil {
		t.log.Warn("session open failed", zap.Error(err))
		t.d.FLog.Add(flog.RideSessionFail, uint16(t.d.Recorder.NumFiles()))
	}
}

func (t *Deployed) Run(ctx context.Context) fsm.State {
	d := t.d
	for {
		d.GPS.Drain(d.GPSRx)
		if t.sched != nil {
			// A failed open is retried before every event.
			t.openSession()
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
		} else if !yield(ctx, d.Clock) {
			return fsm.Null
		}

		if d.Water.Sample() == water.Low {
			d.Printf("Out of water\n")
			return fsm.Upload
		}
		if d.Flags.BatteryLow.Load() {
			d.Printf("Low Battery!\n")
			d.FLog.Add(flog.RideBattLow, uint16(d.Voltage()*1000))
			return fsm.DeepSleep
		}
	}
}

func (t *Deployed) Exit() {
	d := t.d
	d.Printf("Closing session\n")
	if err := d.Recorder.CloseSession(); err != nil {
		t.log.Warn("session close failed", zap.Error(err))
		d.FLog.Add(flog.RideCloseFail, 0)
	}
	closeSensors(t.open)
	t.open = nil
	d.GPS.Power(false)
}
