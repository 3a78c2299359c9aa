package sensor

import (
	"log/slog"
	"time"
)

// State is the lifecycle state of the sensor handle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return "uninitialized"
	}
}

const (
	constructRetries    = 3
	constructRetryDelay = 500 * time.Millisecond
	stabilizationPause  = time.Second
)

// Lifecycle owns the sensor handle. It converts every failure on the
// hardware boundary into a nil handle plus a logged cause; nothing
// panics or errors past Acquire. The caller gates how often Acquire may
// be retried while the sensor is faulted.
type Lifecycle struct {
	open          Opener
	settings      Settings
	stabilization time.Duration
	log           *slog.Logger

	state State
	dev   Device

	sleep func(time.Duration)
}

// NewLifecycle builds a lifecycle around an Opener. stabilization > 0
// enables that many seconds of discard-reads after construction to let
// the chip settle.
func NewLifecycle(open Opener, settings Settings, stabilization time.Duration, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		open:          open,
		settings:      settings,
		stabilization: stabilization,
		log:           log,
		state:         StateUninitialized,
		sleep:         time.Sleep,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return l.state
}

// Device returns the current handle, or nil when not Ready.
func (l *Lifecycle) Device() Device {
	if l.state != StateReady {
		return nil
	}
	return l.dev
}

// Acquire attempts full sensor initialization: driver construction with
// internal retries, optional stabilization discard-reads, and a final
// verification read. On success the lifecycle is Ready and the handle
// is returned; on any unrecoverable fault it is Faulted and Acquire
// returns nil.
func (l *Lifecycle) Acquire() Device {
	l.release()

	var dev Device
	var err error
	for attempt := 1; attempt <= constructRetries; attempt++ {
		dev, err = l.open(l.settings)
		if err == nil {
			break
		}
		l.log.Warn("sensor construction failed",
			"attempt", attempt, "of", constructRetries, "error", err)
		if attempt < constructRetries {
			l.sleep(constructRetryDelay)
		}
	}
	if err != nil {
		l.state = StateFaulted
		return nil
	}

	// Discard-reads while the chip settles. Faults here are tolerated:
	// the verification read below is the gate.
	if n := int(l.stabilization.Seconds()); n > 0 {
		l.log.Info("stabilizing sensor", "discard_reads", n)
		for i := 0; i < n; i++ {
			if _, err := dev.Read(); err != nil {
				l.log.Warn("read fault during stabilization", "error", err)
			}
			l.sleep(stabilizationPause)
		}
	}

	if _, err := dev.Read(); err != nil {
		l.log.Error("sensor verification read failed", "error", err)
		_ = dev.Close()
		l.state = StateFaulted
		return nil
	}

	l.dev = dev
	l.state = StateReady
	l.log.Info("sensor initialized with high accuracy settings")
	return dev
}

// MarkFaulted transitions to Faulted and releases the handle. Called by
// the publisher loop on read faults and when the consecutive-error
// threshold is reached.
func (l *Lifecycle) MarkFaulted() {
	l.release()
	l.state = StateFaulted
}

func (l *Lifecycle) release() {
	if l.dev != nil {
		_ = l.dev.Close()
		l.dev = nil
	}
}
