// Package system builds the device descriptor every task works against:
// configuration, storage, sensors, flags and the upload link, created once
// at boot and passed explicitly.
package system

import (
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/bus"
	"smartfin-go/cloud"
	"smartfin-go/errcode"
	"smartfin-go/flash"
	"smartfin-go/flog"
	"smartfin-go/nvram"
	"smartfin-go/recorder"
	"smartfin-go/sensors"
	"smartfin-go/services/config"
	"smartfin-go/water"
	"smartfin-go/x/ring"
	"smartfin-go/x/timex"
)

const (
	busQueueLen = 16
	gpsRingSize = 1024
	conRingSize = 256
)

// Flags are written by the monitor services and read by tasks.
type Flags struct {
	BatteryLow atomic.Bool
	HasCharger atomic.Bool
}

// Hardware is what a board (or the simulator) supplies.
type Hardware struct {
	FS         flash.FS
	NVRAM      nvram.Store
	WaterProbe water.Probe
	Temp       sensors.Thermometer
	IMU        sensors.IMU
	Mag        sensors.Magnetometer
	Battery    sensors.Battery
	Charger    sensors.Charger
	GPSPower   sensors.Switch
	WaterTest  sensors.Switch // shorts the water probe for manufacturing test
	Link       cloud.Link
	Console    io.Writer
}

// Desc is the system descriptor.
type Desc struct {
	Cfg      *config.Config
	DeviceID string
	Clock    timex.Clock
	Log      *zap.Logger
	Bus      *bus.Bus
	Flags    *Flags

	FS       flash.FS
	Recorder *recorder.Recorder
	NVRAM    nvram.Store
	Boot     *boot.Manager
	FLog     *flog.Log

	Water     *water.Sensor
	WaterTest sensors.Switch
	Temp      sensors.Thermometer
	IMU       sensors.IMU
	Mag       sensors.Magnetometer
	Battery   sensors.Battery
	Charger   sensors.Charger
	GPS       *sensors.GPS
	GPSRx     *ring.Ring

	Link     cloud.Link
	Encoding cloud.Encoding
	Console  *Console
}

// New wires hw into a descriptor. The recorder is initialized, which
// recovers session files orphaned by a power loss.
func New(cfg *config.Config, deviceID string, clk timex.Clock, hw Hardware, log *zap.Logger) (*Desc, error) {
	if cfg == nil || clk == nil || hw.FS == nil || hw.NVRAM == nil || hw.WaterProbe == nil {
		return nil, errcode.New(errcode.InvalidParams, "system.new", "config, clock, fs, nvram and water probe are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	enc, err := cloud.ParseEncoding(cfg.Upload.Encoding)
	if err != nil {
		return nil, err
	}
	rec, err := recorder.New(hw.FS, deviceID, cfg.Flash.BlockSize, log)
	if err != nil {
		return nil, err
	}
	if err := rec.Init(); err != nil {
		return nil, err
	}
	link := hw.Link
	if link == nil {
		link = cloud.NewLogLink(log)
	}
	out := hw.Console
	if out == nil {
		out = io.Discard
	}
	d := &Desc{
		Cfg:       cfg,
		DeviceID:  deviceID,
		Clock:     clk,
		Log:       log,
		Bus:       bus.NewBus(busQueueLen),
		Flags:     &Flags{},
		FS:        hw.FS,
		Recorder:  rec,
		NVRAM:     hw.NVRAM,
		Boot:      boot.New(hw.NVRAM, log),
		FLog:      flog.New(clk, flog.FileRetainer{FS: hw.FS}, log),
		Water:     water.New(hw.WaterProbe, cfg.Water, log),
		WaterTest: hw.WaterTest,
		Temp:      hw.Temp,
		IMU:       hw.IMU,
		Mag:       hw.Mag,
		Battery:   hw.Battery,
		Charger:   hw.Charger,
		GPS:       sensors.NewGPS(clk, hw.GPSPower, log),
		GPSRx:     ring.New(gpsRingSize),
		Link:      link,
		Encoding:  enc,
		Console:   NewConsole(out),
	}
	return d, nil
}

// Voltage reads the battery, returning 0 when there is no gauge.
func (d *Desc) Voltage() float32 {
	if d.Battery == nil {
		return 0
	}
	v, err := d.Battery.Voltage()
	if err != nil {
		d.Log.Debug("battery read failed", zap.Error(err))
		return 0
	}
	return v
}

// Deinit powers down the link and GPS before sleep.
func (d *Desc) Deinit() {
	d.Link.Disconnect()
	d.GPS.Power(false)
	d.Log.Debug("deinit")
}

// Printf writes to the console.
func (d *Desc) Printf(format string, args ...any) {
	fmt.Fprintf(d.Console, format, args...)
}

// ----------------------------------------------------------------------------
// Console
// ----------------------------------------------------------------------------

// Console is the serial console: input bytes are pushed into a ring by
// whatever owns the port and polled without blocking by tasks.
type Console struct {
	in  *ring.Ring
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{in: ring.New(conRingSize), out: out}
}

// Input is the ring a reader goroutine fills.
func (c *Console) Input() *ring.Ring { return c.in }

// Key returns the next pending input byte, if any.
func (c *Console) Key() (byte, bool) {
	var b [1]byte
	if c.in.ReadInto(b[:]) == 0 {
		return 0, false
	}
	return b[0], true
}

// Flush drops pending input.
func (c *Console) Flush() {
	for {
		if _, ok := c.Key(); !ok {
			return
		}
	}
}

func (c *Console) Write(p []byte) (int, error) { return c.out.Write(p) }
