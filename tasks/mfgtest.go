package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/fsm"
	"smartfin-go/sensors"
	"smartfin-go/system"
	"smartfin-go/water"
)

const (
	gpsCommsWindow = 2 * time.Second
	waterTestReads = 100
	cellDotEvery   = time.Second
)

// MfgTest runs the production line checks in order, stopping at the first
// failure, then hands back to the console.
type MfgTest struct {
	d   *system.Desc
	log *zap.Logger
}

func NewMfgTest(d *system.Desc) *MfgTest {
	return &MfgTest{d: d, log: d.Log.Named("mfgtest")}
}

type mfgStep struct {
	name string
	run  func(t *MfgTest, ctx context.Context) error
}

var mfgSteps = []mfgStep{
	{"gps", (*MfgTest).gps},
	{"imu", (*MfgTest).imu},
	{"temperature", (*MfgTest).temperature},
	{"cellular", (*MfgTest).cellular},
	{"water", (*MfgTest).water},
	{"battery", (*MfgTest).battery},
}

func (t *MfgTest) Init(ctx context.Context) {
	t.d.GPS.Power(true)
}

func (t *MfgTest) Run(ctx context.Context) fsm.State {
	d := t.d
	d.Printf("\r\nStarting Manufacturing Testing\r\n")
	d.Printf("Testing Device %s\r\n", d.DeviceID)

	var failed error
	for _, s := range mfgSteps {
		if err := s.run(t, ctx); err != nil {
			t.log.Warn("step failed", zap.String("step", s.name), zap.Error(err))
			failed = err
			break
		}
	}
	if ctx.Err() != nil {
		return fsm.Null
	}
	if failed != nil {
		d.Printf("Manufacturing Tests FAILED.\r\nMark unit as scrap.\r\n\r\n")
		return fsm.CLI
	}
	d.Printf("All tests passed.\r\n")
	if soc := t.soc(); soc >= d.Cfg.Mfg.MinSoC {
		d.Printf("Battery level sufficient to proceed to calibration.\r\n\r\n")
	} else {
		d.Printf("HOWEVER BATTERY REQUIRES CHARGE before calibration.\r\n\r\n")
	}
	return fsm.CLI
}

func (t *MfgTest) Exit() {
	t.d.GPS.Power(false)
}

func (t *MfgTest) soc() float32 {
	if t.d.Battery == nil {
		return 0
	}
	soc, err := t.d.Battery.StateOfCharge()
	if err != nil {
		return 0
	}
	return soc
}

func fail(step, msg string) error {
	return errcode.New(errcode.Error, "mfgtest."+step, msg)
}

// gps passes once a sentence parses within the comms window.
func (t *MfgTest) gps(ctx context.Context) error {
	d := t.d
	d.Printf("Running the GPS Test\r\n")
	before, _ := d.GPS.Stats()
	start := d.Clock.Millis()
	for {
		d.GPS.Drain(d.GPSRx)
		if ok, _ := d.GPS.Stats(); ok > before {
			d.Printf("GPS passed\r\n")
			return nil
		}
		if elapsed(d.Clock, start, gpsCommsWindow) || !yield(ctx, d.Clock) {
			d.Printf("GPS failed\r\n")
			return fail("gps", "no sentences")
		}
	}
}

func (t *MfgTest) openClose(step string, dev sensors.Device) error {
	if dev == nil {
		return fail(step, "not fitted")
	}
	if err := dev.Open(); err != nil {
		_ = dev.Close()
		return err
	}
	return dev.Close()
}

func (t *MfgTest) imu(ctx context.Context) error {
	d := t.d
	d.Printf("Running the IMU Test\r\n")
	if err := t.openClose("imu", d.IMU); err != nil {
		d.Printf("IMU failed\r\n")
		return err
	}
	if d.Mag != nil {
		if err := t.openClose("mag", d.Mag); err != nil {
			d.Printf("Magnetometer failed\r\n")
			return err
		}
	}
	d.Printf("IMU passed\r\n")
	return nil
}

func (t *MfgTest) temperature(ctx context.Context) error {
	d, cfg := t.d, t.d.Cfg.Mfg
	d.Printf("Running the Temp Test\r\n")
	if d.Temp == nil {
		d.Printf("Temp failed\r\n")
		return fail("temperature", "not fitted")
	}
	if err := d.Temp.Open(); err != nil {
		d.Printf("Temp failed\r\n")
		return err
	}
	defer d.Temp.Close()
	c, err := d.Temp.Temperature()
	if err != nil {
		d.Printf("Temp failed\r\n")
		return err
	}
	if c < cfg.MinTemperature || c > cfg.MaxTemperature {
		d.Printf("Temp failed\r\n")
		return fail("temperature", "out of range")
	}
	d.Printf("Temp passed: Temp %f\r\n", c)
	return nil
}

func (t *MfgTest) cellular(ctx context.Context) error {
	d := t.d
	d.Printf("Running the Cellular Test \r\n")
	d.Printf("Please wait to connect to the network.\nWaiting.")
	defer d.Link.Disconnect()
	if err := d.Link.Connect(ctx); err != nil {
		t.log.Debug("connect", zap.Error(err))
	}
	start := d.Clock.Millis()
	lastDot := start
	for !d.Link.Connected() {
		if elapsed(d.Clock, start, d.Cfg.Mfg.CellTimeout) {
			d.Printf("\r\nCellular failed\r\n")
			return fail("cellular", "no connection")
		}
		if elapsed(d.Clock, lastDot, cellDotEvery) {
			d.Printf(".")
			lastDot = d.Clock.Millis()
		}
		if !yield(ctx, d.Clock) {
			return ctx.Err()
		}
	}
	d.Printf("\r\nCellular passed\r\n")
	return nil
}

// water shorts the probe and expects the short window to read wet, then
// releases it and expects dry.
func (t *MfgTest) water(ctx context.Context) error {
	d := t.d
	d.Printf("Running the Wet/Dry Sensor\r\n")
	if d.WaterTest == nil {
		d.Printf("No test switch, skipped\r\n")
		return nil
	}
	d.Printf("Internally shorting the Wet/Dry Sensor\r\n")
	d.Water.Reset()
	d.Water.SetWindow(d.Cfg.Water.InitWindow)
	d.Water.Force(water.Low)
	defer d.Water.SetWindow(d.Cfg.Water.Window)
	defer d.WaterTest.Set(false)

	var err error
	d.WaterTest.Set(true)
	if readN(d.Water, waterTestReads) != water.High {
		d.Printf("Wet Sensor failed\r\n")
		err = fail("water", "wet not detected")
	} else {
		d.Printf("Wet Sensor passed\r\n")
	}
	d.WaterTest.Set(false)
	if readN(d.Water, waterTestReads) != water.Low {
		d.Printf("Dry Sensor failed\r\n")
		err = fail("water", "dry not detected")
	} else {
		d.Printf("Dry Sensor passed\r\n")
	}
	return err
}

func readN(s *water.Sensor, n int) water.Status {
	st := s.Last()
	for range n {
		st = s.Sample()
	}
	return st
}

func (t *MfgTest) battery(ctx context.Context) error {
	d, cfg := t.d, t.d.Cfg.Battery
	d.Printf("Running the Battery Test\r\n")
	v := d.Voltage()
	if v < cfg.ShutdownVoltage || v > cfg.MaxVoltage {
		d.Printf("Battery Voltage failed\r\n")
		return fail("battery", "voltage out of range")
	}
	d.Printf("Battery Voltage passed\r\n")
	d.Printf("Battery = %f %%\r\n", t.soc()*100)
	d.Printf("Battery = %f V\r\n", v)
	return nil
}
