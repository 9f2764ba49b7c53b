package sensors

import (
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/tmp102"

	"smartfin-go/errcode"
)

// TMP102 adapts the tinygo driver to Thermometer.
type TMP102 struct {
	drv  tmp102.Device
	addr uint8
	open bool
}

// NewTMP102 binds a driver to bus; addr 0 selects the default address.
func NewTMP102(bus drivers.I2C, addr uint8) *TMP102 {
	if addr == 0 {
		addr = tmp102.Address
	}
	return &TMP102{drv: tmp102.New(bus), addr: addr}
}

func (t *TMP102) Open() error {
	t.drv.Configure(tmp102.Config{Address: t.addr})
	if !t.drv.Connected() {
		return errcode.New(errcode.NotFound, "tmp102.open", "no response")
	}
	t.open = true
	return nil
}

func (t *TMP102) Close() error {
	t.open = false
	return nil
}

// Temperature reads the sensor; the driver reports milli-degrees.
func (t *TMP102) Temperature() (float32, error) {
	if !t.open {
		return 0, errcode.NotOpen
	}
	mc, err := t.drv.ReadTemperature()
	if err != nil {
		return 0, errcode.Wrap(errcode.IOError, "tmp102.read", err)
	}
	return float32(mc) / 1000, nil
}
