// Package sim provides scriptable sensors for the host build and tests.
package sim

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"smartfin-go/errcode"
	"smartfin-go/sensors"
)

// ---- water / charger ----

// Flag is a settable boolean input usable as water probe or charger.
type Flag struct{ v atomic.Bool }

func (f *Flag) Set(on bool)        { f.v.Store(on) }
func (f *Flag) Wet() (bool, error) { return f.v.Load(), nil }
func (f *Flag) Present() bool      { return f.v.Load() }
func (f *Flag) Charging() bool     { return f.v.Load() }

// FileFlag is true while a marker file exists, so a running host device
// can be dunked with `touch` and dried with `rm`.
type FileFlag struct{ Path string }

func (f FileFlag) on() bool {
	if f.Path == "" {
		return false
	}
	_, err := os.Stat(f.Path)
	return err == nil
}

func (f FileFlag) Wet() (bool, error) { return f.on(), nil }
func (f FileFlag) Present() bool      { return f.on() }
func (f FileFlag) Charging() bool     { return f.on() }

// Set creates or removes the marker, so a FileFlag can also stand in for
// the water test switch.
func (f FileFlag) Set(on bool) {
	if f.Path == "" {
		return
	}
	if !on {
		_ = os.Remove(f.Path)
		return
	}
	_ = os.WriteFile(f.Path, nil, 0o644)
}

// ---- battery ----

// Battery holds a settable voltage and charge.
type Battery struct {
	mu  sync.Mutex
	v   float32
	soc float32
	err error
}

func NewBattery(v, soc float32) *Battery { return &Battery{v: v, soc: soc} }

func (b *Battery) Set(v, soc float32) {
	b.mu.Lock()
	b.v, b.soc = v, soc
	b.mu.Unlock()
}

func (b *Battery) Fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *Battery) Voltage() (float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v, b.err
}

func (b *Battery) StateOfCharge() (float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.soc, b.err
}

// ---- openable devices ----

// device tracks open state and an optional open failure.
type device struct {
	mu      sync.Mutex
	open    bool
	openErr error
	opens   int
}

func (d *device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return d.openErr
	}
	d.open = true
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	return nil
}

// FailOpen makes subsequent Open calls return err.
func (d *device) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *device) check() error {
	if !d.IsOpen() {
		return errcode.NotOpen
	}
	return nil
}

// Thermometer reports a fixed temperature.
type Thermometer struct {
	device
	cmu sync.Mutex
	c   float32
}

func NewThermometer(c float32) *Thermometer { return &Thermometer{c: c} }

func (t *Thermometer) Set(c float32) {
	t.cmu.Lock()
	t.c = c
	t.cmu.Unlock()
}

func (t *Thermometer) Temperature() (float32, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	t.cmu.Lock()
	defer t.cmu.Unlock()
	return t.c, nil
}

// IMU reports a fin at rest: 1 g on Z, optional sway.
type IMU struct {
	device
	n atomic.Uint32
}

func (m *IMU) Read() (sensors.IMUSample, error) {
	if err := m.check(); err != nil {
		return sensors.IMUSample{}, err
	}
	k := m.n.Add(1)
	sway := int16(200 * math.Sin(float64(k)/5))
	return sensors.IMUSample{
		Accel: [3]int16{sway, 0, 16384},
		Gyro:  [3]int16{0, sway / 4, 0},
	}, nil
}

// Magnetometer reports a constant field.
type Magnetometer struct {
	device
	Field [3]int16
}

func (m *Magnetometer) Read() ([3]int16, error) {
	if err := m.check(); err != nil {
		return [3]int16{}, err
	}
	return m.Field, nil
}

// ---- GPS stream ----

// RMC formats a GPRMC sentence with a valid checksum.
func RMC(t time.Time, lat, lng float64) string {
	t = t.UTC()
	body := fmt.Sprintf("GPRMC,%02d%02d%02d.00,A,%s,%s,0.0,0.0,%02d%02d%02d,,,A",
		t.Hour(), t.Minute(), t.Second(),
		ddm(lat, 2, "N", "S"), ddm(lng, 3, "E", "W"),
		t.Day(), int(t.Month()), t.Year()%100)
	return fmt.Sprintf("$%s*%02X\r\n", body, checksum(body))
}

// GGA formats a GPGGA sentence with a valid checksum.
func GGA(t time.Time, lat, lng float64, sats int) string {
	t = t.UTC()
	body := fmt.Sprintf("GPGGA,%02d%02d%02d.00,%s,%s,1,%02d,1.0,10.0,M,0.0,M,,",
		t.Hour(), t.Minute(), t.Second(),
		ddm(lat, 2, "N", "S"), ddm(lng, 3, "E", "W"), sats)
	return fmt.Sprintf("$%s*%02X\r\n", body, checksum(body))
}

// ddm renders degrees as NMEA ddmm.mmmm,H.
func ddm(v float64, degDigits int, pos, neg string) string {
	h := pos
	if v < 0 {
		h, v = neg, -v
	}
	deg := math.Floor(v)
	mins := (v - deg) * 60
	return fmt.Sprintf("%0*d%07.4f,%s", degDigits, int(deg), mins, h)
}

func checksum(s string) byte {
	var c byte
	for i := 0; i < len(s); i++ {
		c ^= s[i]
	}
	return c
}
