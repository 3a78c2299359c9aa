// Package pipeline contains the acquisition-and-resilience core of the
// forwarder: multi-sample aggregation, the bounded outbound queue, the
// recovery advisor and the publisher loop that orchestrates them.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mhruz/bme280-forwarder/internal/sensor"
)

// ErrNoValidSamples is returned when an aggregation pass exhausts its
// attempt budget without a single in-range sample.
var ErrNoValidSamples = errors.New("no valid samples in aggregation pass")

// Range is an inclusive [Min, Max] validation bound for one field.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Ranges bundles the per-field validation bounds.
type Ranges struct {
	Temperature Range
	Humidity    Range
	Pressure    Range
}

// AggregateResult is the outcome of one aggregation pass: per-field
// values after outlier removal, averaging and smoothing, plus the
// sample accounting for the reading-quality note.
type AggregateResult struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	Successful  int // valid samples that entered the average
	Attempted   int // read attempts made
}

// Aggregator takes N raw samples per pass, validates each against the
// configured ranges, optionally prunes per-field extremes, averages and
// applies exponential smoothing against the previous accepted result.
// The smoothing state is owned here and only mutated on success.
type Aggregator struct {
	ranges      Ranges
	alpha       float64 // smoothing factor; 0 disables
	sampleDelay time.Duration
	log         *slog.Logger

	last *AggregateResult

	sleep func(time.Duration)
}

// NewAggregator builds an aggregator. alpha must be in [0, 1); the
// config layer enforces this before we get here.
func NewAggregator(ranges Ranges, alpha float64, sampleDelay time.Duration, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		ranges:      ranges,
		alpha:       alpha,
		sampleDelay: sampleDelay,
		log:         log,
		sleep:       time.Sleep,
	}
}

// Aggregate performs one pass of up to sampleCount read attempts.
// Attempts are bounded, not successes: an invalid or faulted sample
// consumes its attempt. Returns ErrNoValidSamples (wrapping the last
// read fault, if any) when nothing valid remains; the smoothing state
// is untouched in that case.
func (a *Aggregator) Aggregate(dev sensor.Device, sampleCount int, discardOutliers bool) (*AggregateResult, error) {
	if sampleCount < 1 {
		sampleCount = 1
	}

	var (
		temps, hums, press []float64
		lastReadErr        error
	)
	for attempt := 0; attempt < sampleCount; attempt++ {
		if attempt > 0 && a.sampleDelay > 0 {
			a.sleep(a.sampleDelay)
		}
		s, err := dev.Read()
		if err != nil {
			lastReadErr = err
			a.log.Warn("sample read fault", "attempt", attempt+1, "error", err)
			continue
		}
		if err := a.validate(s); err != nil {
			a.log.Warn("sample rejected", "attempt", attempt+1, "error", err)
			continue
		}
		temps = append(temps, s.Temperature)
		hums = append(hums, s.Humidity)
		press = append(press, s.Pressure)
	}

	if len(temps) == 0 {
		if lastReadErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoValidSamples, lastReadErr)
		}
		return nil, ErrNoValidSamples
	}

	// Each field is pruned on its own ordering; the removed extremes
	// need not come from the same sample.
	trim := discardOutliers && len(temps) > 3
	res := &AggregateResult{
		Temperature: fieldAverage(temps, trim),
		Humidity:    fieldAverage(hums, trim),
		Pressure:    fieldAverage(press, trim),
		Successful:  len(temps),
		Attempted:   sampleCount,
	}

	if a.alpha > 0 && a.last != nil {
		res.Temperature = a.alpha*res.Temperature + (1-a.alpha)*a.last.Temperature
		res.Humidity = a.alpha*res.Humidity + (1-a.alpha)*a.last.Humidity
		res.Pressure = a.alpha*res.Pressure + (1-a.alpha)*a.last.Pressure
	}
	res.Temperature = Round2(res.Temperature)
	res.Humidity = Round2(res.Humidity)
	res.Pressure = Round2(res.Pressure)

	a.last = res
	return res, nil
}

func (a *Aggregator) validate(s sensor.Sample) error {
	if !a.ranges.Temperature.Contains(s.Temperature) {
		return fmt.Errorf("invalid temperature reading: %.2f °C (outside range %g-%g)",
			s.Temperature, a.ranges.Temperature.Min, a.ranges.Temperature.Max)
	}
	if !a.ranges.Humidity.Contains(s.Humidity) {
		return fmt.Errorf("invalid humidity reading: %.2f %% (outside range %g-%g)",
			s.Humidity, a.ranges.Humidity.Min, a.ranges.Humidity.Max)
	}
	if !a.ranges.Pressure.Contains(s.Pressure) {
		return fmt.Errorf("invalid pressure reading: %.2f hPa (outside range %g-%g)",
			s.Pressure, a.ranges.Pressure.Min, a.ranges.Pressure.Max)
	}
	return nil
}

// fieldAverage averages vals, excluding one minimum and one maximum
// when trim is set.
func fieldAverage(vals []float64, trim bool) float64 {
	sum, min, max := 0.0, vals[0], vals[0]
	for _, v := range vals {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if trim {
		return (sum - min - max) / float64(len(vals)-2)
	}
	return sum / float64(len(vals))
}

// Round2 rounds to two decimal places, the precision of every published
// scalar.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
