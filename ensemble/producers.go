package ensemble

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/schedule"
	"smartfin-go/sensors"
	"smartfin-go/water"
	"smartfin-go/x/mathx"
)

// Sink receives encoded records; the recorder implements it.
type Sink interface {
	PutBytes(p []byte) error
}

// WaterLevel is the debounced water state, read without sampling.
type WaterLevel interface {
	Last() water.Status
}

// Locator reports the last GPS position in degrees ×1e7.
type Locator interface {
	Fix() (lat, lng int32, fresh bool)
}

// Deps are the inputs producers sample. Nil sensors are skipped.
type Deps struct {
	Sink    Sink
	Temp    sensors.Thermometer
	IMU     sensors.IMU
	Mag     sensors.Magnetometer
	Battery sensors.Battery
	Water   WaterLevel
	GPS     Locator
	Text    string
	Log     *zap.Logger
}

func (d *Deps) inWater() bool { return d.Water != nil && d.Water.Last() == water.High }

// emitter encodes and writes records, logging failures without stopping
// the schedule.
type emitter struct {
	d       *Deps
	name    string
	scratch []byte
	failed  uint32
}

func (e *emitter) put(r Record) {
	var err error
	if t, ok := r.(Text); ok {
		e.scratch, err = t.AppendBinary(e.scratch[:0])
	} else {
		e.scratch, err = binary.Append(e.scratch[:0], binary.BigEndian, r)
	}
	if err == nil {
		err = e.d.Sink.PutBytes(e.scratch)
	}
	if err != nil {
		e.failed++
		if e.d.Log != nil {
			e.d.Log.Debug("record dropped", zap.String("producer", e.name), zap.Error(err))
		}
	}
}

// Failed counts records that could not be written.
func (e *emitter) Failed() uint32 { return e.failed }

// ----------------------------------------------------------------------------
// Temperature + IMU (+ GPS)
// ----------------------------------------------------------------------------

// TempIMUProducer averages temperature, motion, heading and, when every
// sample had a fresh fix, position.
type TempIMUProducer struct {
	emitter
	n     uint32
	wet   uint32
	temp  mathx.Acc[float32, float32]
	accel [3]mathx.Acc[int16, int32]
	gyro  [3]mathx.Acc[int16, int32]
	mag   [3]mathx.Acc[int16, int32]

	fixes            uint32
	lat, lng         mathx.Acc[int32, int64]
	lastLat, lastLng int32
	haveLoc          bool
}

func NewTempIMU(d *Deps) *TempIMUProducer {
	return &TempIMUProducer{emitter: emitter{d: d, name: KindTempIMU}}
}

func (p *TempIMUProducer) Init() {
	e := p.emitter
	lat, lng, have := p.lastLat, p.lastLng, p.haveLoc
	*p = TempIMUProducer{emitter: e, lastLat: lat, lastLng: lng, haveLoc: have}
}

func (p *TempIMUProducer) Emit(ev schedule.Event) {
	d := p.d
	p.n++
	if d.inWater() {
		p.wet++
	}
	if d.Temp != nil {
		if c, err := d.Temp.Temperature(); err == nil {
			p.temp.Add(c)
		}
	}
	if d.IMU != nil {
		if s, err := d.IMU.Read(); err == nil {
			for i := range 3 {
				p.accel[i].Add(s.Accel[i])
				p.gyro[i].Add(s.Gyro[i])
			}
		}
	}
	if d.Mag != nil {
		if m, err := d.Mag.Read(); err == nil {
			for i := range 3 {
				p.mag[i].Add(m[i])
			}
		}
	}
	if d.GPS != nil {
		if lat, lng, fresh := d.GPS.Fix(); fresh {
			p.fixes++
			p.lastLat, p.lastLng, p.haveLoc = lat, lng, true
		}
		// Without a fresh fix the previous location stands in.
		if p.haveLoc {
			p.lat.Add(p.lastLat)
			p.lng.Add(p.lastLng)
		}
	}
	if p.n < ev.Accumulate {
		return
	}

	rec := TempIMU{
		Header:  NewHeader(TypeTempIMU, ev.Now, ev.Start),
		RawTemp: RawTemp(TempC(p.temp.Mean(), p.wet/p.n != 0)),
	}
	for i := range 3 {
		rec.Accel[i] = int16(p.accel[i].Mean())
		rec.Gyro[i] = int16(p.gyro[i].Mean())
		rec.Mag[i] = int16(p.mag[i].Mean())
	}
	if p.fixes/p.n != 0 {
		rec.Type = TypeTempIMUGPS
		p.put(TempIMUGPS{TempIMU: rec, Lat: int32(p.lat.Mean()), Lng: int32(p.lng.Mean())})
	} else {
		p.put(rec)
	}
	p.Init()
}

// ----------------------------------------------------------------------------
// Battery
// ----------------------------------------------------------------------------

type BatteryProducer struct {
	emitter
	n uint32
	v mathx.Acc[float32, float32]
}

func NewBattery(d *Deps) *BatteryProducer {
	return &BatteryProducer{emitter: emitter{d: d, name: KindBattery}}
}

func (p *BatteryProducer) Init() { p.n = 0; p.v.Reset() }

func (p *BatteryProducer) Emit(ev schedule.Event) {
	p.n++
	if p.d.Battery != nil {
		if v, err := p.d.Battery.Voltage(); err == nil {
			p.v.Add(v)
		}
	}
	if p.n < ev.Accumulate {
		return
	}
	mv := mathx.Clamp(p.v.Mean()*1000, 0, 65535)
	p.put(Battery{Header: NewHeader(TypeBattery, ev.Now, ev.Start), MilliVolts: uint16(mv)})
	p.Init()
}

// ----------------------------------------------------------------------------
// Temperature + water
// ----------------------------------------------------------------------------

type TemperatureProducer struct {
	emitter
	n    uint32
	wet  uint32
	temp mathx.Acc[float32, float32]
}

func NewTemperature(d *Deps) *TemperatureProducer {
	return &TemperatureProducer{emitter: emitter{d: d, name: KindTemperature}}
}

func (p *TemperatureProducer) Init() { p.n, p.wet = 0, 0; p.temp.Reset() }

func (p *TemperatureProducer) Emit(ev schedule.Event) {
	p.n++
	if p.d.inWater() {
		p.wet++
	}
	if p.d.Temp != nil {
		if c, err := p.d.Temp.Temperature(); err == nil {
			p.temp.Add(c)
		}
	}
	if p.n < ev.Accumulate {
		return
	}
	p.put(Temperature{
		Header:  NewHeader(TypeTemperature, ev.Now, ev.Start),
		RawTemp: RawTemp(TempC(p.temp.Mean(), p.wet/p.n != 0)),
	})
	p.Init()
}

// ----------------------------------------------------------------------------
// Text
// ----------------------------------------------------------------------------

// TextProducer writes Deps.Text, normally the firmware banner.
type TextProducer struct{ emitter }

func NewText(d *Deps) *TextProducer {
	return &TextProducer{emitter: emitter{d: d, name: KindText}}
}

func (p *TextProducer) Init() {}

func (p *TextProducer) Emit(ev schedule.Event) {
	p.put(Text{Header: NewHeader(TypeText, ev.Now, ev.Start), Text: p.d.Text})
}

// ----------------------------------------------------------------------------
// Tables
// ----------------------------------------------------------------------------

// Producer kinds accepted in schedule tables.
const (
	KindTempIMU     = "temp_imu"
	KindBattery     = "battery"
	KindTemperature = "temperature"
	KindText        = "text"
)

// Spec is one configured schedule row.
type Spec struct {
	Kind       string        `yaml:"kind"`
	Accumulate uint32        `yaml:"accumulate"`
	Delay      time.Duration `yaml:"delay"`
	Interval   time.Duration `yaml:"interval"`
	Once       bool          `yaml:"once"`
}

// Build turns a table into schedule entries bound to d.
func Build(specs []Spec, d *Deps) ([]*schedule.Entry, error) {
	if d == nil || d.Sink == nil {
		return nil, errcode.New(errcode.InvalidParams, "ensemble.build", "no sink")
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	out := make([]*schedule.Entry, 0, len(specs))
	for _, s := range specs {
		var p schedule.Producer
		switch s.Kind {
		case KindTempIMU:
			p = NewTempIMU(d)
		case KindBattery:
			p = NewBattery(d)
		case KindTemperature:
			p = NewTemperature(d)
		case KindText:
			p = NewText(d)
		default:
			return nil, errcode.New(errcode.InvalidParams, "ensemble.build", "unknown kind "+s.Kind)
		}
		out = append(out, &schedule.Entry{
			Name:       s.Kind,
			Producer:   p,
			Accumulate: max(s.Accumulate, 1),
			Delay:      s.Delay,
			Interval:   s.Interval,
			Once:       s.Once,
		})
	}
	return out, nil
}
