package tasks

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartfin-go/boot"
	"smartfin-go/errcode"
	"smartfin-go/flash"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
	"smartfin-go/sensors/sim"
	"smartfin-go/services/config"
	"smartfin-go/system"
	"smartfin-go/x/timex"
)

const testDevice = "e00fce68"

// fakeLink records publishes and can be taken offline or made to refuse
// publishes.
type fakeLink struct {
	mu        sync.Mutex
	offline   bool
	failPub   bool
	connected bool
	connects  int
	names     []string
	payloads  []string
}

func (l *fakeLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if !l.offline {
		l.connected = true
	}
	return nil
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) Publish(ctx context.Context, name, payload string, ack bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return errcode.NotConnected
	}
	if l.failPub {
		return errcode.PublishFailed
	}
	l.names = append(l.names, name)
	l.payloads = append(l.payloads, payload)
	return nil
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

func (l *fakeLink) published() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// rig is a simulated fin on a fake clock.
type rig struct {
	d    *system.Desc
	clk  *timex.FakeClock
	fs   *flash.Mem
	nv   *nvram.Mem
	wet  *sim.Flag
	bat  *sim.Battery
	temp *sim.Thermometer
	imu  *sim.IMU
	mag  *sim.Magnetometer
	link *fakeLink
	out  *bytes.Buffer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg, err := config.Load(config.DefaultProduct, "")
	require.NoError(t, err)

	r := &rig{
		clk:  timex.NewFakeClock(0),
		fs:   flash.NewMem(),
		nv:   nvram.NewMem(),
		wet:  &sim.Flag{},
		bat:  sim.NewBattery(4.0, 0.9),
		temp: sim.NewThermometer(21.5),
		imu:  &sim.IMU{},
		mag:  &sim.Magnetometer{Field: [3]int16{120, -40, 300}},
		link: &fakeLink{},
		out:  &bytes.Buffer{},
	}
	r.d, err = system.New(cfg, testDevice, r.clk, system.Hardware{
		FS:         r.fs,
		NVRAM:      r.nv,
		WaterProbe: r.wet,
		Temp:       r.temp,
		IMU:        r.imu,
		Mag:        r.mag,
		Battery:    r.bat,
		WaterTest:  r.wet,
		Link:       r.link,
		Console:    r.out,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

// run drives one task through its lifecycle.
func (r *rig) run(ctx context.Context, task fsm.Task) fsm.State {
	task.Init(ctx)
	next := task.Run(ctx)
	task.Exit()
	return next
}

// writeSession stores n bytes as a finished session file.
func (r *rig) writeSession(t *testing.T, name string, n int) {
	t.Helper()
	f, err := r.fs.Open(name, flash.OWrite|flash.OCreate|flash.OTrunc)
	require.NoError(t, err)
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// typeIn pushes keystrokes into the console.
func (r *rig) typeIn(s string) {
	_, _ = r.d.Console.Input().Write([]byte(s))
}

func (r *rig) codes() []flog.Code {
	var out []flog.Code
	for _, e := range r.d.FLog.Entries() {
		out = append(out, e.Code)
	}
	return out
}

func TestBuildCoversEveryState(t *testing.T) {
	r := newRig(t)
	tasks := Build(r.d)
	for s := fsm.Charge; s <= fsm.TempCal; s++ {
		assert.Contains(t, tasks, s, s.String())
	}
}

// A fin asleep off the charger is dunked, rides, comes out and uploads.
func TestRideCycle(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := fsm.New(Build(r.d), r.d.FLog, nil, zaptest.NewLogger(t))
	r.clk.OnTick(func(now int64) {
		r.wet.Set(now >= 5_000 && now < 300_000)
		if len(r.link.published()) > 0 && m.State() == fsm.DeepSleep {
			cancel()
		}
	})

	err := m.Run(ctx, fsm.Charge)
	require.ErrorIs(t, err, context.Canceled)

	names := r.link.published()
	require.NotEmpty(t, names)
	for _, n := range names {
		assert.True(t, strings.HasPrefix(n, "Sfin-"+testDevice+"-"), n)
	}
	assert.False(t, r.d.Recorder.HasData())
	assert.Equal(t, boot.Normal, r.d.Boot.Get())

	codes := r.codes()
	assert.Contains(t, codes, flog.UploadDone)
	assert.NotContains(t, codes, flog.SysBadEdge)
	assert.NotContains(t, codes, flog.SysBadState)
}
