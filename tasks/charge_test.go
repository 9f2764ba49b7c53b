package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfin-go/boot"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
)

func TestChargeEdges(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(r *rig)
		want    fsm.State
		atLeast time.Duration
	}{
		{
			name:  "unplugged",
			setup: func(r *rig) {},
			want:  fsm.DeepSleep,
		},
		{
			name: "interrupt phrase",
			setup: func(r *rig) {
				r.d.Flags.HasCharger.Store(true)
				r.typeIn("xx#CLI")
			},
			want: fsm.CLI,
		},
		{
			name: "water wins over a missing charger",
			setup: func(r *rig) {
				// Arriving from sleep, the sensor has already settled wet.
				r.wet.Set(true)
				for range r.d.Cfg.Water.Window {
					r.d.Water.Sample()
				}
			},
			want: fsm.SessionInit,
		},
		{
			name: "upload reattempt waits out the delay",
			setup: func(r *rig) {
				r.d.Flags.HasCharger.Store(true)
				require.NoError(t, r.d.Boot.Set(boot.UploadReattempt))
			},
			want:    fsm.Upload,
			atLeast: 600 * time.Second,
		},
		{
			name: "tempcal start runs at once",
			setup: func(r *rig) {
				r.d.Flags.HasCharger.Store(true)
				require.NoError(t, r.d.Boot.Set(boot.TempCalStart))
			},
			want: fsm.TempCal,
		},
		{
			name: "tempcal continue uses the stored cycle period",
			setup: func(r *rig) {
				r.d.Flags.HasCharger.Store(true)
				require.NoError(t, nvram.PutU32(r.nv, nvram.TmpCalCyclePeriodSec, 60))
				require.NoError(t, r.d.Boot.Set(boot.TempCalContinue))
			},
			want:    fsm.TempCal,
			atLeast: time.Minute,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			tc.setup(r)
			assert.Equal(t, tc.want, r.run(context.Background(), NewCharge(r.d)))
			assert.GreaterOrEqual(t, r.clk.Millis(), tc.atLeast.Milliseconds())
		})
	}
}

func TestChargeStopsOnCancel(t *testing.T) {
	r := newRig(t)
	r.d.Flags.HasCharger.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	r.clk.OnTick(func(now int64) {
		if now > 5_000 {
			cancel()
		}
	})
	assert.Equal(t, fsm.Null, r.run(ctx, NewCharge(r.d)))
}

// ----------------------------------------------------------------------------
// DeepSleep
// ----------------------------------------------------------------------------

func TestSleepPersistsBehavior(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.d.Boot.Set(boot.UploadReattempt))
	// Simulate the flag having been consumed at boot.
	require.NoError(t, nvram.PutBool(r.nv, nvram.NVRAMValid, false))
	r.link.connected = true

	next := r.run(context.Background(), NewDeepSleep(r.d))
	assert.Equal(t, fsm.Upload, next)
	assert.GreaterOrEqual(t, r.clk.Millis(), r.d.Cfg.Upload.ReattemptDelay.Milliseconds())
	assert.False(t, r.link.Connected(), "deinit drops the link")

	assert.Equal(t, boot.UploadReattempt, boot.New(r.nv, nil).Load())
}

func TestSleepLowBatteryForgetsPendingAction(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.d.Boot.Set(boot.TempCalContinue))
	r.d.Flags.BatteryLow.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	r.clk.OnTick(func(now int64) {
		if now > (3 * time.Hour).Milliseconds() {
			cancel()
		}
	})
	assert.Equal(t, fsm.Null, r.run(ctx, NewDeepSleep(r.d)), "timed wakes suppressed")
	assert.Equal(t, boot.Normal, boot.New(r.nv, nil).Load())
}

func TestSleepOnChargerLeavesNVRAM(t *testing.T) {
	r := newRig(t)
	r.d.Flags.HasCharger.Store(true)

	assert.Equal(t, fsm.Charge, r.run(context.Background(), NewDeepSleep(r.d)))
	_, err := nvram.GetBool(r.nv, nvram.NVRAMValid)
	assert.Error(t, err, "nothing written")
}

func TestSleepWakesOnWater(t *testing.T) {
	r := newRig(t)
	r.clk.OnTick(func(now int64) { r.wet.Set(now >= 10_000) })
	assert.Equal(t, fsm.Charge, r.run(context.Background(), NewDeepSleep(r.d)))
}

func TestSleepWakesForCalibrationCycle(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.d.Boot.Set(boot.TempCalContinue))
	assert.Equal(t, fsm.TempCal, r.run(context.Background(), NewDeepSleep(r.d)))
	assert.GreaterOrEqual(t, r.clk.Millis(), r.d.Cfg.TempCal.CyclePeriod.Milliseconds())
}
