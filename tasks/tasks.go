// Package tasks implements one fsm.Task per operating mode over a shared
// system descriptor.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smartfin-go/ensemble"
	"smartfin-go/fsm"
	"smartfin-go/schedule"
	"smartfin-go/system"
	"smartfin-go/version"
	"smartfin-go/x/timex"
)

// tick is the cooperative yield between polls of a run loop.
const tick = 10 * time.Millisecond

// Build returns the task table for the machine.
func Build(d *system.Desc) map[fsm.State]fsm.Task {
	return map[fsm.State]fsm.Task{
		fsm.Charge:      NewCharge(d),
		fsm.CLI:         NewCLI(d),
		fsm.MfgTest:     NewMfgTest(d),
		fsm.SessionInit: NewSessionInit(d),
		fsm.Deployed:    NewDeployed(d),
		fsm.Upload:      NewUpload(d),
		fsm.DeepSleep:   NewDeepSleep(d),
		fsm.TempCal:     NewTempCal(d),
	}
}

// yield sleeps one tick; false means ctx ended and Run should return Null.
func yield(ctx context.Context, clk timex.Clock) bool {
	return clk.Sleep(ctx, tick) == nil
}

// elapsed reports whether d has passed since start.
func elapsed(clk timex.Clock, start int64, d time.Duration) bool {
	return timex.Since(clk, start) >= d.Milliseconds()
}

// banner is written as the text ensemble of each session.
func banner() string { return "Smartfin FW " + version.String() }

// newSchedule binds a configured table to the descriptor's sensors.
func newSchedule(d *system.Desc, specs []ensemble.Spec, log *zap.Logger) (*schedule.Schedule, error) {
	entries, err := ensemble.Build(specs, &ensemble.Deps{
		Sink:    d.Recorder,
		Temp:    d.Temp,
		IMU:     d.IMU,
		Mag:     d.Mag,
		Battery: d.Battery,
		Water:   d.Water,
		GPS:     d.GPS,
		Text:    banner(),
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	return schedule.New(entries...)
}
