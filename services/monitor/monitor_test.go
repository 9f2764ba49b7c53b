package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"smartfin-go/bus"
	"smartfin-go/sensors/sim"
	"smartfin-go/services/config"
	"smartfin-go/system"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.DefaultProduct, "")
	require.NoError(t, err)
	return cfg
}

func TestChargeTrackerHysteresis(t *testing.T) {
	tr := newChargeTracker(config.ChargerConfig{
		Refresh:     500 * time.Millisecond,
		MinCharging: 5 * time.Second,
		MinCharged:  30 * time.Second,
	})

	for i := 0; i < 9; i++ {
		require.Equal(t, Plugged, tr.update(true, true), "tick %d", i)
	}
	assert.Equal(t, Charging, tr.update(true, true))

	for i := 0; i < 59; i++ {
		require.Equal(t, Charging, tr.update(true, false), "tick %d", i)
	}
	assert.Equal(t, Charged, tr.update(true, false))

	assert.Equal(t, Unplugged, tr.update(false, false))
	assert.Equal(t, Plugged, tr.update(true, false))
}

func TestBatteryLowLatches(t *testing.T) {
	cfg := testConfig(t)
	bat := sim.NewBattery(2.9, 0.05)
	flags := &system.Flags{}
	s := New(cfg, bat, nil, flags, zaptest.NewLogger(t))

	b := bus.NewBus(4)
	conn := b.NewConnection("test")
	sub := conn.Subscribe(TopicBattery)
	defer conn.Disconnect()

	s.checkBattery(conn)
	assert.True(t, flags.BatteryLow.Load())
	msg := <-sub.Channel()
	assert.Equal(t, BatteryState{Volts: 2.9, SoC: 0.05, Low: true}, msg.Payload)

	bat.Set(4.0, 0.6)
	s.checkBattery(conn)
	assert.True(t, flags.BatteryLow.Load(), "stays low off the charger")

	flags.HasCharger.Store(true)
	s.checkBattery(conn)
	assert.False(t, flags.BatteryLow.Load())
}

func TestRunPublishesChargeAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Battery.MonitorInterval = 5 * time.Millisecond
	cfg.Charger.Refresh = 5 * time.Millisecond
	cfg.Charger.MinCharging = 10 * time.Millisecond

	chg := &sim.Flag{}
	chg.Set(true)
	flags := &system.Flags{}
	s := New(cfg, sim.NewBattery(4.0, 0.9), chg, flags, zaptest.NewLogger(t))

	b := bus.NewBus(8)
	conn := b.NewConnection("monitor")
	obs := b.NewConnection("observer")
	sub := obs.Subscribe(TopicCharge)
	defer obs.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, conn) }()

	deadline := time.After(2 * time.Second)
	var seen []ChargeStatus
	for len(seen) == 0 || seen[len(seen)-1] != Charging {
		select {
		case msg := <-sub.Channel():
			seen = append(seen, msg.Payload.(ChargeState).Status)
		case <-deadline:
			t.Fatalf("no charging status, saw %v", seen)
		}
	}
	assert.Equal(t, []ChargeStatus{Plugged, Charging}, seen)
	assert.True(t, flags.HasCharger.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestConfigUpdateIsApplied(t *testing.T) {
	cfg := testConfig(t)
	flags := &system.Flags{}
	bat := sim.NewBattery(3.2, 0.1)
	s := New(cfg, bat, nil, flags, zaptest.NewLogger(t))

	b := bus.NewBus(8)
	conn := b.NewConnection("monitor")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, conn) }()

	raised := cfg.Battery
	raised.ShutdownVoltage = 3.3
	raised.MonitorInterval = 5 * time.Millisecond
	conn.Publish(conn.NewMessage(config.Topic("battery"), raised, true))

	require.Eventually(t, flags.BatteryLow.Load, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
