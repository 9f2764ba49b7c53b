package ensemble

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfin-go/errcode"
	"smartfin-go/schedule"
	"smartfin-go/sensors/sim"
	"smartfin-go/water"
)

func wire(t *testing.T, r Record) []byte {
	t.Helper()
	b, err := Encode(r)
	require.NoError(t, err)
	return b
}

func TestWireFormatGolden(t *testing.T) {
	body := TempIMU{
		Header:  NewHeader(TypeTempIMU, 0, 0),
		RawTemp: RawTemp(TempC(15, true)),
		Accel:   [3]int16{100, -100, 16384},
		Gyro:    [3]int16{1, 2, 3},
		Mag:     [3]int16{-1, 0, 300},
	}
	withGPS := TempIMUGPS{TempIMU: body, Lat: 328672000, Lng: -1172571000}
	withGPS.Type = TypeTempIMUGPS

	recs := []Record{
		Battery{Header: NewHeader(TypeBattery, 11_000, 10_000), MilliVolts: 4012},
		Temperature{Header: NewHeader(TypeTemperature, 133_456, 10_000), RawTemp: RawTemp(TempC(20.5, true))},
		Temperature{Header: NewHeader(TypeTemperature, 133_456, 10_000), RawTemp: RawTemp(TempC(20.5, false))},
		body,
		withGPS,
		Text{Header: NewHeader(TypeText, 0, 0), Text: "v2.0.0.4"},
		// 24-bit elapsed field wraps.
		Battery{Header: NewHeader(TypeBattery, 0x1000000*100+500, 0), MilliVolts: 3000},
	}

	var buf bytes.Buffer
	for _, r := range recs {
		fmt.Fprintf(&buf, "%s %s\n", r.Head().Type, hex.EncodeToString(wire(t, r)))
	}
	g := goldie.New(t)
	g.Assert(t, "records", buf.Bytes())
}

func TestRawTempAndElapsed(t *testing.T) {
	assert.EqualValues(t, 2624, RawTemp(20.5))
	assert.EqualValues(t, -10176, RawTemp(TempC(20.5, false)))
	assert.EqualValues(t, 32767, RawTemp(1000))
	assert.EqualValues(t, 1234, Elapsed(123_456, 0))
	assert.EqualValues(t, 0xFFFFFF, Elapsed(0xFFFFFF*100+99, 0))
	assert.EqualValues(t, 0, Elapsed(0x1000000*100, 0))
}

func TestDecodeSkipsPadding(t *testing.T) {
	const bs = 16
	a := wire(t, Battery{Header: NewHeader(TypeBattery, 1000, 0), MilliVolts: 3900})
	b := wire(t, Temperature{Header: NewHeader(TypeTemperature, 2000, 0), RawTemp: 100})
	c := wire(t, Text{Header: NewHeader(TypeText, 3000, 0), Text: "hello"})

	img := make([]byte, 2*bs)
	copy(img, a)
	copy(img[len(a):], b)
	copy(img[bs:], c)

	recs, err := Decode(img, bs)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint16(3900), recs[0].(Battery).MilliVolts)
	assert.Equal(t, int16(100), recs[1].(Temperature).RawTemp)
	assert.Equal(t, "hello", recs[2].(Text).Text)
	assert.EqualValues(t, 30, recs[2].Head().Deciseconds())
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte{0, 0, 1, 0x42, 0, 0, 0, 0}, 8)
	assert.Equal(t, errcode.Corrupt, errcode.Of(err))
}

// ---- producers ----

type captureSink struct {
	recs [][]byte
	err  error
}

func (s *captureSink) PutBytes(p []byte) error {
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, append([]byte(nil), p...))
	return nil
}

type fixedWater struct{ st water.Status }

func (w *fixedWater) Last() water.Status { return w.st }

type scriptedFix struct {
	lat, lng int32
	fresh    bool
}

func (f *scriptedFix) Fix() (int32, int32, bool) { return f.lat, f.lng, f.fresh }

func openDeps(t *testing.T) (*Deps, *captureSink, *sim.Thermometer, *fixedWater, *scriptedFix) {
	t.Helper()
	sink := &captureSink{}
	th := sim.NewThermometer(20)
	imu := &sim.IMU{}
	mag := &sim.Magnetometer{Field: [3]int16{10, 20, 30}}
	require.NoError(t, th.Open())
	require.NoError(t, imu.Open())
	require.NoError(t, mag.Open())
	w := &fixedWater{st: water.High}
	fix := &scriptedFix{}
	return &Deps{
		Sink:    sink,
		Temp:    th,
		IMU:     imu,
		Mag:     mag,
		Battery: sim.NewBattery(4.012, 0.9),
		Water:   w,
		GPS:     fix,
		Text:    "v2.0.0.4",
	}, sink, th, w, fix
}

func ev(now int64, acc uint32) schedule.Event {
	return schedule.Event{Now: now, Start: 0, Due: now, Accumulate: acc}
}

func decodeOneRec(t *testing.T, b []byte) Record {
	t.Helper()
	recs, err := Decode(b, 64)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestTempIMUAccumulatesAndAverages(t *testing.T) {
	d, sink, th, w, _ := openDeps(t)
	p := NewTempIMU(d)
	p.Init()

	p.Emit(ev(1000, 2))
	assert.Empty(t, sink.recs)
	th.Set(22)
	p.Emit(ev(2000, 2))
	require.Len(t, sink.recs, 1)

	r := decodeOneRec(t, sink.recs[0]).(TempIMU)
	assert.Equal(t, TypeTempIMU, r.Type)
	assert.EqualValues(t, 20, r.Deciseconds())
	assert.Equal(t, RawTemp(21), r.RawTemp)
	assert.Equal(t, [3]int16{10, 20, 30}, r.Mag)
	assert.EqualValues(t, 16384, r.Accel[2])

	// A single dry sample in the window marks the record dry.
	p.Emit(ev(3000, 2))
	w.st = water.Low
	p.Emit(ev(4000, 2))
	require.Len(t, sink.recs, 2)
	r = decodeOneRec(t, sink.recs[1]).(TempIMU)
	assert.Equal(t, RawTemp(22-100), r.RawTemp)
}

func TestTempIMUDryOffsetWhenMostlyDry(t *testing.T) {
	d, sink, _, w, _ := openDeps(t)
	w.st = water.Low
	p := NewTempIMU(d)
	p.Init()
	p.Emit(ev(0, 1))
	r := decodeOneRec(t, sink.recs[0]).(TempIMU)
	assert.Equal(t, RawTemp(-80), r.RawTemp)
}

func TestTempIMUUsesGPSVariantWithFreshFix(t *testing.T) {
	d, sink, _, _, fix := openDeps(t)
	p := NewTempIMU(d)
	p.Init()

	*fix = scriptedFix{lat: 100, lng: -200, fresh: true}
	p.Emit(ev(0, 2))
	*fix = scriptedFix{lat: 300, lng: -400, fresh: true}
	p.Emit(ev(1000, 2))
	r := decodeOneRec(t, sink.recs[0]).(TempIMUGPS)
	assert.Equal(t, TypeTempIMUGPS, r.Type)
	assert.EqualValues(t, 200, r.Lat)
	assert.EqualValues(t, -300, r.Lng)

	// One stale sample out of two: plain record.
	*fix = scriptedFix{lat: 500, lng: 500, fresh: true}
	p.Emit(ev(2000, 2))
	fix.fresh = false
	p.Emit(ev(3000, 2))
	require.Len(t, sink.recs, 2)
	_, plain := decodeOneRec(t, sink.recs[1]).(TempIMU)
	assert.True(t, plain)
}

func TestBatteryAndTemperatureProducers(t *testing.T) {
	d, sink, _, w, _ := openDeps(t)
	b := NewBattery(d)
	b.Init()
	b.Emit(ev(10_000, 1))
	tp := NewTemperature(d)
	tp.Init()
	w.st = water.Low
	tp.Emit(ev(10_000, 1))

	require.Len(t, sink.recs, 2)
	assert.EqualValues(t, 4012, decodeOneRec(t, sink.recs[0]).(Battery).MilliVolts)
	assert.Equal(t, RawTemp(-80), decodeOneRec(t, sink.recs[1]).(Temperature).RawTemp)
}

func TestSinkFailureIsCountedNotFatal(t *testing.T) {
	d, sink, _, _, _ := openDeps(t)
	sink.err = errors.New("flash full")
	p := NewText(d)
	p.Emit(ev(0, 1))
	p.Emit(ev(0, 1))
	assert.EqualValues(t, 2, p.Failed())
}

func TestBuild(t *testing.T) {
	d, _, _, _, _ := openDeps(t)
	es, err := Build([]Spec{
		{Kind: KindTempIMU, Accumulate: 1, Interval: time.Second},
		{Kind: KindBattery, Interval: 10 * time.Second},
		{Kind: KindText, Once: true},
	}, d)
	require.NoError(t, err)
	require.Len(t, es, 3)
	assert.EqualValues(t, 1, es[1].Accumulate)
	assert.True(t, es[2].Once)

	_, err = Build([]Spec{{Kind: "sonar"}}, d)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
}
