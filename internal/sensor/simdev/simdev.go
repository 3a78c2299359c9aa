// Package simdev provides a simulated BME280 for development hosts and
// tests. Values random-walk around plausible indoor conditions so the
// full pipeline can run without hardware.
package simdev

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mhruz/bme280-forwarder/internal/sensor"
)

// Tunables for the random walk. Steps are small enough that consecutive
// samples within one aggregation pass stay close together, like a real
// chip in a stable room.
const (
	baseTemperature = 22.5  // °C
	basePressure    = 990.0 // hPa station pressure
	baseHumidity    = 45.0  // %RH

	tempStep     = 0.05
	humidityStep = 0.2
	pressureStep = 0.1
)

// Device is a drifting simulated sensor. Safe for use from a single
// goroutine, matching the exclusive-ownership discipline of the
// publisher loop.
type Device struct {
	mu     sync.Mutex
	rng    *rand.Rand
	temp   float64
	hum    float64
	pres   float64
	closed bool

	// FailEvery injects a read fault on every Nth read when > 0.
	// Used by tests and fault drills; zero in production.
	FailEvery int
	reads     int
}

// Open constructs the simulated device. It satisfies sensor.Opener.
func Open(_ sensor.Settings) (sensor.Device, error) {
	return New(time.Now().UnixNano()), nil
}

// New builds a device with a deterministic seed, for tests.
func New(seed int64) *Device {
	rng := rand.New(rand.NewSource(seed))
	return &Device{
		rng:  rng,
		temp: baseTemperature + rng.Float64() - 0.5,
		hum:  baseHumidity + 2*rng.Float64() - 1,
		pres: basePressure + 2*rng.Float64() - 1,
	}
}

// Read advances the random walk and returns the next sample.
func (d *Device) Read() (sensor.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sensor.Sample{}, sensor.ErrSensor
	}
	d.reads++
	if d.FailEvery > 0 && d.reads%d.FailEvery == 0 {
		return sensor.Sample{}, sensor.ErrSensor
	}

	d.temp += d.step(tempStep)
	d.hum = clamp(d.hum+d.step(humidityStep), 0, 100)
	d.pres += d.step(pressureStep)

	return sensor.Sample{
		Temperature: d.temp,
		Humidity:    d.hum,
		Pressure:    d.pres,
	}, nil
}

// Close marks the device unusable; further reads fault.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) step(size float64) float64 {
	return (2*d.rng.Float64() - 1) * size
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
