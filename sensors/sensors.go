// Package sensors holds the capability interfaces the firmware core reads
// and the adaptors that back them with tinygo drivers.
package sensors

// Device is a sensor that must be opened before reads and closed after a
// session.
type Device interface {
	Open() error
	Close() error
}

// Thermometer reads degrees Celsius.
type Thermometer interface {
	Device
	Temperature() (float32, error)
}

// IMUSample holds raw accelerometer and gyroscope counts.
type IMUSample struct {
	Accel [3]int16
	Gyro  [3]int16
}

type IMU interface {
	Device
	Read() (IMUSample, error)
}

// Magnetometer reads raw field counts per axis.
type Magnetometer interface {
	Device
	Read() ([3]int16, error)
}

// Battery reads the cell through the fuel gauge.
type Battery interface {
	Voltage() (float32, error)
	StateOfCharge() (float32, error) // 0..1
}

// Charger reports USB/charger state from the PMIC.
type Charger interface {
	Present() bool
	Charging() bool
}

// Switch drives a power rail or indicator.
type Switch interface {
	Set(on bool)
}

// NopSwitch ignores Set.
type NopSwitch struct{}

func (NopSwitch) Set(bool) {}
