// Package water debounces the fin's wet/dry probe into a session signal.
//
// Sample takes a new probe reading and updates the status; Last only
// reports the status of the previous Sample. Callers that poll in a loop
// use Sample, callers that only need the current belief use Last.
package water

import (
	"sync"

	"go.uber.org/zap"

	"smartfin-go/x/mathx"
)

// Status is the debounced water state.
type Status uint8

const (
	Low  Status = iota // dry
	High               // in water
)

func (s Status) String() string {
	if s == High {
		return "high"
	}
	return "low"
}

// Probe is the raw wet/dry input.
type Probe interface {
	Wet() (bool, error)
}

// Config sizes the history and sets hysteresis in percent of the window.
type Config struct {
	ArraySize  int `yaml:"array_size"`
	Window     int `yaml:"window"`
	InitWindow int `yaml:"init_window"`
	OnPercent  int `yaml:"on_percent"`
	OffPercent int `yaml:"off_percent"`
}

func DefaultConfig() Config {
	return Config{ArraySize: 200, Window: 100, InitWindow: 40, OnPercent: 80, OffPercent: 20}
}

// Sensor keeps the last ArraySize samples; the status flips to High when
// at least OnPercent of the last Window samples were wet, and back to Low
// at or below OffPercent. Samples not yet taken count as dry.
type Sensor struct {
	mu     sync.Mutex
	probe  Probe
	log    *zap.Logger
	cfg    Config
	hist   []bool
	head   int
	window int
	status Status
	raw    bool
}

func New(p Probe, cfg Config, log *zap.Logger) *Sensor {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.ArraySize = max(cfg.ArraySize, 1)
	cfg.OnPercent = mathx.Clamp(cfg.OnPercent, 1, 100)
	cfg.OffPercent = mathx.Clamp(cfg.OffPercent, 0, cfg.OnPercent-1)
	s := &Sensor{
		probe: p,
		log:   log.Named("water"),
		cfg:   cfg,
		hist:  make([]bool, cfg.ArraySize),
	}
	s.window = s.clampWindow(cfg.Window)
	return s
}

func (s *Sensor) clampWindow(n int) int { return mathx.Clamp(n, 1, len(s.hist)) }

// Sample reads the probe once and returns the updated status. A failed
// read counts as dry.
func (s *Sensor) Sample() Status {
	wet, err := s.probe.Wet()
	if err != nil {
		s.log.Debug("probe read failed", zap.Error(err))
		wet = false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = wet
	s.hist[s.head] = wet
	s.head = (s.head + 1) % len(s.hist)

	n := 0
	for i := 1; i <= s.window; i++ {
		if s.hist[(s.head-i+len(s.hist))%len(s.hist)] {
			n++
		}
	}
	pct := n * 100
	switch {
	case s.status == Low && pct >= s.cfg.OnPercent*s.window:
		s.status = High
		s.log.Info("water detected", zap.Int("wet", n), zap.Int("window", s.window))
	case s.status == High && pct <= s.cfg.OffPercent*s.window:
		s.status = Low
		s.log.Info("water cleared", zap.Int("wet", n), zap.Int("window", s.window))
	}
	return s.status
}

// Last returns the status computed by the most recent Sample.
func (s *Sensor) Last() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Raw returns the undebounced value of the most recent Sample.
func (s *Sensor) Raw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

// Reset clears the history; the status returns to Low.
func (s *Sensor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.hist)
	s.head, s.status, s.raw = 0, Low, false
}

// SetWindow changes how many recent samples are considered.
func (s *Sensor) SetWindow(n int) {
	s.mu.Lock()
	s.window = s.clampWindow(n)
	s.mu.Unlock()
}

func (s *Sensor) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Force overrides the status without touching the history.
func (s *Sensor) Force(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Config returns the configuration the sensor was built with.
func (s *Sensor) Config() Config { return s.cfg }
