package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfin-go/boot"
	"smartfin-go/flash"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
	"smartfin-go/sensors/sim"
)

// runCLI types input once the console is up and runs the task.
func (r *rig) runCLI(input string) fsm.State {
	ctx := context.Background()
	task := NewCLI(r.d)
	task.Init(ctx)
	r.typeIn(input)
	next := task.Run(ctx)
	task.Exit()
	return next
}

func TestCLINextState(t *testing.T) {
	cases := []struct {
		in   string
		want fsm.State
	}{
		{"D\r", fsm.DeepSleep},
		{"sleep\n", fsm.DeepSleep},
		{"t\r", fsm.MfgTest},
		{"U\r", fsm.Upload},
		{"init\r\n", fsm.SessionInit},
		{"exit\r", fsm.Charge},
		{"Dx\b\r", fsm.DeepSleep},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			r := newRig(t)
			assert.Equal(t, tc.want, r.runCLI(tc.in))
		})
	}
}

func TestCLICalibrateArmsBootBehavior(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, fsm.TempCal, r.runCLI("C\r"))
	assert.Equal(t, boot.TempCalStart, r.d.Boot.Get())
}

func TestCLIUnknownCommand(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, fsm.DeepSleep, r.runCLI("bogus\rD\r"))
	assert.Contains(t, r.out.String(), "Unknown command")
}

func TestCLIIdleTimeout(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, fsm.DeepSleep, r.runCLI(""))
	assert.GreaterOrEqual(t, r.clk.Millis(), r.d.Cfg.CLI.Timeout.Milliseconds())
}

func TestCLIInputResetsIdleTimer(t *testing.T) {
	r := newRig(t)
	half := (r.d.Cfg.CLI.Timeout / 2).Milliseconds()
	typed := false
	r.clk.OnTick(func(now int64) {
		if !typed && now > half {
			typed = true
			r.typeIn("#\r")
		}
	})
	assert.Equal(t, fsm.DeepSleep, r.runCLI(""))
	assert.GreaterOrEqual(t, r.clk.Millis(), half+r.d.Cfg.CLI.Timeout.Milliseconds())
}

func TestCLIFileCommands(t *testing.T) {
	r := newRig(t)
	r.runCLI(`M` + "\r" + `rm "t1.txt"` + "\rL\rD\r")

	assert.True(t, flash.Exists(r.fs, "t0.txt"))
	assert.False(t, flash.Exists(r.fs, "t1.txt"))
	assert.True(t, flash.Exists(r.fs, "t2.txt"))
	assert.Len(t, r.readFile(t, "t0.txt"), 496*3+3)

	out := r.out.String()
	assert.Contains(t, out, "Done making 3 temp files!")
	assert.Contains(t, out, "*file deleted")
	assert.Contains(t, out, "t2.txt\t1491\n")
}

func TestCLIFormatRemovesEverything(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "240601-101500", 1000)
	r.runCLI("F\rD\r")
	assert.False(t, r.d.Recorder.HasData())
	assert.Contains(t, r.out.String(), "*format success")
}

func TestCLIDumpFile(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "s", 4)
	r.runCLI("cat s\rhexdump s\rD\r")
	out := r.out.String()
	assert.Contains(t, out, "Publish Header: "+testDevice+"-s")
	assert.Contains(t, out, "0,1,2,3,\n")
	assert.Contains(t, out, "00000000  00 01 02 03")
}

func TestCLIPersistentSettings(t *testing.T) {
	r := newRig(t)
	r.runCLI("boot upload_reattempt\rnoupload on\rnvram tmp116_cal_attempts_total 4\rnvram\rD\r")

	assert.Equal(t, boot.UploadReattempt, r.d.Boot.Get())
	on, err := nvram.GetBool(r.nv, nvram.NoUploadFlag)
	require.NoError(t, err)
	assert.True(t, on)
	n, err := nvram.GetU8(r.nv, nvram.TmpCalAttemptsTotal)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Contains(t, r.out.String(), "TMP116_CAL_CYCLE_PERIOD_SEC")
}

func TestCLIFaultLog(t *testing.T) {
	r := newRig(t)
	r.d.FLog.Add(flog.UploadConnectFail, 7)
	r.runCLI("flog\rflog clear\rD\r")
	assert.Contains(t, r.out.String(), flog.UploadConnectFail.String())
	assert.Zero(t, r.d.FLog.Count())
}

// ----------------------------------------------------------------------------
// MfgTest
// ----------------------------------------------------------------------------

func (r *rig) feedGPS() {
	_, _ = r.d.GPSRx.Write([]byte(sim.RMC(time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC), 32.8672, -117.2571)))
}

func TestMfgTestPasses(t *testing.T) {
	r := newRig(t)
	r.feedGPS()
	assert.Equal(t, fsm.CLI, r.run(context.Background(), NewMfgTest(r.d)))

	out := r.out.String()
	for _, s := range []string{"GPS passed", "IMU passed", "Temp passed", "Cellular passed",
		"Wet Sensor passed", "Dry Sensor passed", "Battery Voltage passed", "All tests passed.",
		"sufficient to proceed"} {
		assert.Contains(t, out, s)
	}
	assert.False(t, r.d.GPS.Powered())
	assert.False(t, r.link.Connected())
	assert.False(t, r.wet.Present(), "test switch released")
}

func TestMfgTestStopsAtFirstFailure(t *testing.T) {
	r := newRig(t)
	r.feedGPS()
	r.temp.Set(40)

	assert.Equal(t, fsm.CLI, r.run(context.Background(), NewMfgTest(r.d)))
	out := r.out.String()
	assert.Contains(t, out, "Temp failed")
	assert.Contains(t, out, "Mark unit as scrap")
	assert.Zero(t, r.link.connects, "cellular not reached")
}

func TestMfgTestNoGPS(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, fsm.CLI, r.run(context.Background(), NewMfgTest(r.d)))
	assert.Contains(t, r.out.String(), "GPS failed")
	assert.GreaterOrEqual(t, r.clk.Millis(), gpsCommsWindow.Milliseconds())
}

func TestMfgTestLowChargeWarns(t *testing.T) {
	r := newRig(t)
	r.feedGPS()
	r.bat.Set(3.7, 0.3)
	r.run(context.Background(), NewMfgTest(r.d))
	assert.Contains(t, r.out.String(), "BATTERY REQUIRES CHARGE")
}
