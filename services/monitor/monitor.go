// Package monitor runs the battery and charger checks in the background and
// mirrors their results into the system flags the tasks poll.
package monitor

import (
	"cmp"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartfin-go/bus"
	"smartfin-go/sensors"
	"smartfin-go/services/config"
	"smartfin-go/system"
)

const serviceName = "monitor"

var (
	TopicBattery = bus.T("sys", "battery")
	TopicCharge  = bus.T("sys", "charge")

	topicConfigBattery = config.Topic("battery")
	topicConfigCharger = config.Topic("charger")
)

// ChargeStatus is the debounced charger state.
type ChargeStatus uint8

const (
	Unplugged ChargeStatus = iota
	Plugged                // present, not yet settled
	Charging
	Charged
)

func (s ChargeStatus) String() string {
	switch s {
	case Unplugged:
		return "unplugged"
	case Plugged:
		return "plugged"
	case Charging:
		return "charging"
	case Charged:
		return "charged"
	}
	return "unknown"
}

// BatteryState is published retained on sys/battery each monitor tick.
type BatteryState struct {
	Volts float32
	SoC   float32
	Low   bool
}

// ChargeState is published retained on sys/charge when the status changes.
type ChargeState struct {
	Status   ChargeStatus
	Present  bool
	Charging bool
}

// ----------------------------------------------------------------------------
// Charger hysteresis
// ----------------------------------------------------------------------------

// chargeTracker needs a reading to hold for MinCharging (or MinCharged)
// before reporting it. Counts saturate at their thresholds.
type chargeTracker struct {
	charging, charged int
	needCharging      int
	needCharged       int
	status            ChargeStatus
}

func newChargeTracker(cfg config.ChargerConfig) *chargeTracker {
	t := &chargeTracker{}
	t.configure(cfg)
	return t
}

func (t *chargeTracker) configure(cfg config.ChargerConfig) {
	ticks := func(d time.Duration) int {
		if cfg.Refresh <= 0 {
			return 1
		}
		return max(int(d/cfg.Refresh), 1)
	}
	t.needCharging = ticks(cfg.MinCharging)
	t.needCharged = ticks(cfg.MinCharged)
	t.charging = min(t.charging, t.needCharging)
	t.charged = min(t.charged, t.needCharged)
}

func (t *chargeTracker) update(present, charging bool) ChargeStatus {
	if !present {
		t.charging, t.charged = 0, 0
		t.status = Unplugged
		return t.status
	}
	if charging {
		t.charging = min(t.charging+1, t.needCharging)
		t.charged = 0
	} else {
		t.charged = min(t.charged+1, t.needCharged)
		t.charging = 0
	}
	switch {
	case t.charging >= t.needCharging:
		t.status = Charging
	case t.charged >= t.needCharged:
		t.status = Charged
	case t.status == Unplugged:
		t.status = Plugged
	}
	return t.status
}

// ----------------------------------------------------------------------------
// Service
// ----------------------------------------------------------------------------

// Service owns the two periodic checks. A nil gauge or charger disables
// its loop.
type Service struct {
	Name    string
	battery sensors.Battery
	charger sensors.Charger
	flags   *system.Flags
	log     *zap.Logger

	mu  sync.Mutex
	bat config.BatteryConfig
	chg config.ChargerConfig
}

func New(cfg *config.Config, bat sensors.Battery, chg sensors.Charger, flags *system.Flags, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Name:    serviceName,
		battery: bat,
		charger: chg,
		flags:   flags,
		log:     log.Named(serviceName),
		bat:     cfg.Battery,
		chg:     cfg.Charger,
	}
}

// Start runs the service in the background until ctx ends.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go func() { _ = s.Run(ctx, conn) }()
	return nil
}

// Run blocks until ctx ends.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	var wg sync.WaitGroup
	if s.battery != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.batteryLoop(ctx, conn) }()
	}
	if s.charger != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.chargerLoop(ctx, conn) }()
	}
	wg.Wait()
	s.log.Info("stopped")
	return ctx.Err()
}

func (s *Service) batteryLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigBattery)
	defer conn.Unsubscribe(cfgSub)

	s.mu.Lock()
	interval := s.bat.MonitorInterval
	s.mu.Unlock()
	tick := time.NewTicker(cmp.Or(interval, time.Second))
	defer tick.Stop()

	s.checkBattery(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.checkBattery(conn)
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			c, isCfg := msg.Payload.(config.BatteryConfig)
			if !isCfg || c.MonitorInterval <= 0 {
				s.log.Warn("ignoring battery config", zap.Any("payload", msg.Payload))
				continue
			}
			s.mu.Lock()
			s.bat = c
			s.mu.Unlock()
			tick.Reset(c.MonitorInterval)
			s.log.Debug("battery config applied", zap.Duration("interval", c.MonitorInterval))
		}
	}
}

// checkBattery latches the low flag below the shutdown voltage. It clears
// again only on the charger once the cell is back above the upload voltage.
func (s *Service) checkBattery(conn *bus.Connection) {
	s.mu.Lock()
	cfg := s.bat
	s.mu.Unlock()

	v, err := s.battery.Voltage()
	if err != nil {
		s.log.Debug("voltage read failed", zap.Error(err))
		return
	}
	soc, _ := s.battery.StateOfCharge()

	low := s.flags.BatteryLow.Load()
	switch {
	case !low && v < cfg.ShutdownVoltage:
		s.flags.BatteryLow.Store(true)
		s.log.Warn("battery low", zap.Float32("volts", v))
		low = true
	case low && s.flags.HasCharger.Load() && v >= cfg.UploadVoltage:
		s.flags.BatteryLow.Store(false)
		s.log.Info("battery recovered", zap.Float32("volts", v))
		low = false
	}
	conn.Publish(conn.NewMessage(TopicBattery, BatteryState{Volts: v, SoC: soc, Low: low}, true))
}

func (s *Service) chargerLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigCharger)
	defer conn.Unsubscribe(cfgSub)

	s.mu.Lock()
	tr := newChargeTracker(s.chg)
	refresh := s.chg.Refresh
	s.mu.Unlock()
	tick := time.NewTicker(cmp.Or(refresh, time.Second))
	defer tick.Stop()

	last := ChargeStatus(0xFF)
	check := func() {
		present, charging := s.charger.Present(), s.charger.Charging()
		s.flags.HasCharger.Store(present)
		st := tr.update(present, present && charging)
		if st == last {
			return
		}
		last = st
		s.log.Info("charge status", zap.Stringer("status", st))
		conn.Publish(conn.NewMessage(TopicCharge, ChargeState{Status: st, Present: present, Charging: charging}, true))
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			check()
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			c, isCfg := msg.Payload.(config.ChargerConfig)
			if !isCfg || c.Refresh <= 0 {
				s.log.Warn("ignoring charger config", zap.Any("payload", msg.Payload))
				continue
			}
			s.mu.Lock()
			s.chg = c
			s.mu.Unlock()
			tr.configure(c)
			tick.Reset(c.Refresh)
		}
	}
}
