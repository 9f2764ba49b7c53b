package config

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"smartfin-go/bus"
	"smartfin-go/cloud"
	"smartfin-go/ensemble"
	"smartfin-go/errcode"
	"smartfin-go/water"
)

// -----------------------------------------------------------------------------
// String constants
// -----------------------------------------------------------------------------

const (
	serviceName    = "config"
	configPrefix   = "config"
	DefaultProduct = "smartfin-z7"
)

// EmbeddedConfigLookup allows overriding how product configs are resolved.
var EmbeddedConfigLookup = func(product string) ([]byte, bool) {
	b, ok := embeddedConfigs[product]
	return b, ok
}

// Products lists the embedded product names.
func Products() []string {
	out := make([]string, 0, len(embeddedConfigs))
	for k := range embeddedConfigs {
		out = append(out, k)
	}
	return out
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

type Config struct {
	Product   string        `yaml:"product"`
	ProductID uint16        `yaml:"product_id"`
	Flash     FlashConfig   `yaml:"flash"`
	Water     water.Config  `yaml:"water"`
	Battery   BatteryConfig `yaml:"battery"`
	Charger   ChargerConfig `yaml:"charger"`
	Upload    UploadConfig  `yaml:"upload"`
	Ride      RideConfig    `yaml:"ride"`
	TempCal   TempCalConfig `yaml:"tempcal"`
	Sleep     SleepConfig   `yaml:"sleep"`
	CLI       CLIConfig     `yaml:"cli"`
	Mfg       MfgConfig     `yaml:"mfg"`
	Cloud     CloudConfig   `yaml:"cloud"`
}

type FlashConfig struct {
	BlockSize int `yaml:"block_size"`
}

// BatteryConfig thresholds are in volts.
type BatteryConfig struct {
	ShutdownVoltage float32       `yaml:"shutdown_voltage"`
	UploadVoltage   float32       `yaml:"upload_voltage"`
	MaxVoltage      float32       `yaml:"max_voltage"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

type ChargerConfig struct {
	Refresh     time.Duration `yaml:"refresh"`
	MinCharging time.Duration `yaml:"min_charging"`
	MinCharged  time.Duration `yaml:"min_charged"`
}

type UploadConfig struct {
	Encoding           string        `yaml:"encoding"`
	PacketSize         int           `yaml:"packet_size"`
	MaxReattempts      uint8         `yaml:"max_reattempts"`
	ReattemptDelay     time.Duration `yaml:"reattempt_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PublishSpacing     time.Duration `yaml:"publish_spacing"`
	MaxPublishFailures int           `yaml:"max_publish_failures"`
}

type RideConfig struct {
	InitTimeout time.Duration   `yaml:"init_timeout"`
	GPSStartup  time.Duration   `yaml:"gps_startup"`
	Schedule    []ensemble.Spec `yaml:"schedule"`
}

type TempCalConfig struct {
	Schedule         []ensemble.Spec `yaml:"schedule"`
	CollectionPeriod time.Duration   `yaml:"collection_period"`
	CyclePeriod      time.Duration   `yaml:"cycle_period"`
	Attempts         uint8           `yaml:"attempts"`
	File             string          `yaml:"file"`
}

type SleepConfig struct {
	WakeOnWater bool          `yaml:"wake_on_water"`
	Poll        time.Duration `yaml:"poll"`
}

type CLIConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Interrupt string        `yaml:"interrupt"`
}

type MfgConfig struct {
	MinTemperature float32       `yaml:"min_temperature"`
	MaxTemperature float32       `yaml:"max_temperature"`
	CellTimeout    time.Duration `yaml:"cell_timeout"`
	MinSoC         float32       `yaml:"min_soc"`
}

// CloudConfig selects the upload link. An empty Broker means publishes are
// only logged.
type CloudConfig struct {
	Broker    string        `yaml:"broker"`
	Prefix    string        `yaml:"prefix"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

func decode(raw []byte, into *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Parse decodes a complete config document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := decode(raw, cfg); err != nil {
		return nil, errcode.Wrap(errcode.InvalidParams, "config.parse", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load returns the embedded defaults for product overlaid with the YAML
// file at path, if any.
func Load(product, path string) (*Config, error) {
	if product == "" {
		product = DefaultProduct
	}
	raw, ok := EmbeddedConfigLookup(product)
	if !ok || len(raw) == 0 {
		return nil, errcode.New(errcode.NotFound, "config.load", "no embedded config for product: "+product)
	}
	cfg := &Config{}
	if err := decode(raw, cfg); err != nil {
		return nil, errcode.Wrap(errcode.Corrupt, "config.load", err)
	}
	if path != "" {
		over, err := os.ReadFile(path)
		if err != nil {
			return nil, errcode.Wrap(errcode.IOError, "config.load", err)
		}
		if err := decode(over, cfg); err != nil {
			return nil, errcode.Wrap(errcode.InvalidParams, "config.load", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the firmware cannot run with.
func (c *Config) Validate() error {
	bad := func(msg string) error { return errcode.New(errcode.InvalidParams, "config.validate", msg) }
	switch {
	case c.Flash.BlockSize <= 0:
		return bad("flash.block_size must be > 0")
	case c.Upload.PacketSize <= 0:
		return bad("upload.packet_size must be > 0")
	case c.Water.ArraySize <= 0 || c.Water.Window <= 0 || c.Water.Window > c.Water.ArraySize:
		return bad("water window must be within array_size")
	case c.Water.InitWindow <= 0 || c.Water.InitWindow > c.Water.ArraySize:
		return bad("water.init_window must be within array_size")
	case c.Water.OffPercent >= c.Water.OnPercent:
		return bad("water.off_percent must be below on_percent")
	case c.Battery.ShutdownVoltage <= 0 || c.Battery.UploadVoltage < c.Battery.ShutdownVoltage:
		return bad("battery.upload_voltage must be >= shutdown_voltage > 0")
	case c.Battery.MonitorInterval <= 0 || c.Charger.Refresh <= 0:
		return bad("monitor intervals must be > 0")
	case c.Upload.ConnectTimeout <= 0:
		return bad("upload.connect_timeout must be > 0")
	case c.Ride.InitTimeout <= 0:
		return bad("ride.init_timeout must be > 0")
	case len(c.Ride.Schedule) == 0:
		return bad("ride.schedule is empty")
	case c.CLI.Timeout <= 0:
		return bad("cli.timeout must be > 0")
	case c.Mfg.MinTemperature > c.Mfg.MaxTemperature:
		return bad("mfg temperature range inverted")
	}
	if _, err := cloud.ParseEncoding(c.Upload.Encoding); err != nil {
		return bad("upload.encoding: " + c.Upload.Encoding)
	}
	for _, s := range append(append([]ensemble.Spec{}, c.Ride.Schedule...), c.TempCal.Schedule...) {
		if !s.Once && s.Interval <= 0 {
			return bad(s.Kind + ": interval must be > 0")
		}
	}
	return nil
}

// Marshal renders the effective config as YAML.
func (c *Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

// Service publishes each config section as a retained message under
// config/<section>, so services can pick up their settings from the bus.
type Service struct {
	Name string
	cfg  *Config
	log  *zap.Logger
}

func NewService(cfg *Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Name: serviceName, cfg: cfg, log: log.Named(serviceName)}
}

// Sections maps topic names to section values.
func (c *Config) Sections() map[string]any {
	return map[string]any{
		"flash":   c.Flash,
		"water":   c.Water,
		"battery": c.Battery,
		"charger": c.Charger,
		"upload":  c.Upload,
		"ride":    c.Ride,
		"tempcal": c.TempCal,
		"sleep":   c.Sleep,
		"cli":     c.CLI,
		"mfg":     c.Mfg,
		"cloud":   c.Cloud,
	}
}

// Topic returns the retained topic of a section.
func Topic(section string) bus.Topic { return bus.T(configPrefix, section) }

// Start publishes the sections. It returns once they are retained.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, v := range s.cfg.Sections() {
		conn.Publish(conn.NewMessage(Topic(k), v, true))
	}
	s.log.Info("published", zap.String("product", s.cfg.Product))
	return nil
}
