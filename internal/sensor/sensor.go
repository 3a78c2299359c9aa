// Package sensor defines the hardware boundary of the forwarder: a
// Device capability that yields raw samples, and the Lifecycle that
// owns initialization, stabilization and fault state.
package sensor

import (
	"errors"
	"math"
	"time"
)

// ErrBus indicates the hardware bus itself is unavailable.
var ErrBus = errors.New("hardware bus unavailable")

// ErrSensor indicates a driver construction or read failure on an
// otherwise reachable bus.
var ErrSensor = errors.New("sensor fault")

// Sample is one raw (temperature, humidity, pressure) triple as read
// from the chip, before any validation or aggregation.
type Sample struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
	Pressure    float64 // hPa
}

// Device is the capability exposed by a chip driver. Implementations
// live outside the core pipeline; the simulated driver under simdev is
// the only one shipped with this repository.
type Device interface {
	Read() (Sample, error)
	Close() error
}

// Opener constructs a Device with the given accuracy settings.
type Opener func(Settings) (Device, error)

// Settings carries the high-accuracy chip configuration applied on
// every (re-)initialization.
type Settings struct {
	Oversampling     int           // per-channel oversampling factor
	IIRFilter        int           // IIR filter strength
	Standby          time.Duration // standby period in continuous mode
	SeaLevelPressure float64       // hPa reference for altitude
}

// HighAccuracy is the configuration used in production: 16x
// oversampling on all channels, 16x IIR filtering, continuous
// measurement with a 500 ms standby period.
func HighAccuracy(seaLevelPressure float64) Settings {
	return Settings{
		Oversampling:     16,
		IIRFilter:        16,
		Standby:          500 * time.Millisecond,
		SeaLevelPressure: seaLevelPressure,
	}
}

// Altitude derives altitude in meters from station pressure and the
// sea-level reference, using the international barometric formula.
func Altitude(pressureHPa, seaLevelHPa float64) float64 {
	if pressureHPa <= 0 || seaLevelHPa <= 0 {
		return 0
	}
	return 44330.0 * (1.0 - math.Pow(pressureHPa/seaLevelHPa, 1.0/5.255))
}
