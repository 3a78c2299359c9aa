package sensor

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice scripts read outcomes and records Close.
type fakeDevice struct {
	readErrs []error
	reads    int
	closed   bool
}

func (d *fakeDevice) Read() (Sample, error) {
	var err error
	if d.reads < len(d.readErrs) {
		err = d.readErrs[d.reads]
	}
	d.reads++
	if err != nil {
		return Sample{}, err
	}
	return Sample{Temperature: 21, Humidity: 50, Pressure: 1000}, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func newTestLifecycle(open Opener, stabilization time.Duration) *Lifecycle {
	l := NewLifecycle(open, HighAccuracy(1013.25), stabilization, discardLogger())
	l.sleep = func(time.Duration) {}
	return l
}

func TestAcquireSuccess(t *testing.T) {
	dev := &fakeDevice{}
	l := newTestLifecycle(func(Settings) (Device, error) { return dev, nil }, 0)

	got := l.Acquire()
	require.NotNil(t, got)
	assert.Equal(t, StateReady, l.State())
	assert.Equal(t, 1, dev.reads) // verification read only
	assert.Same(t, Device(dev), l.Device())
}

func TestAcquireRetriesConstruction(t *testing.T) {
	attempts := 0
	dev := &fakeDevice{}
	l := newTestLifecycle(func(Settings) (Device, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("bus busy")
		}
		return dev, nil
	}, 0)

	require.NotNil(t, l.Acquire())
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StateReady, l.State())
}

func TestAcquireGivesUpAfterConstructionRetries(t *testing.T) {
	attempts := 0
	l := newTestLifecycle(func(Settings) (Device, error) {
		attempts++
		return nil, ErrBus
	}, 0)

	assert.Nil(t, l.Acquire())
	assert.Equal(t, constructRetries, attempts)
	assert.Equal(t, StateFaulted, l.State())
	assert.Nil(t, l.Device())
}

func TestAcquireStabilizationToleratesReadFaults(t *testing.T) {
	// Two discard-reads, the first of which faults; the verification
	// read afterwards succeeds, so acquisition still passes.
	dev := &fakeDevice{readErrs: []error{ErrSensor, nil, nil}}
	l := newTestLifecycle(func(Settings) (Device, error) { return dev, nil }, 2*time.Second)

	require.NotNil(t, l.Acquire())
	assert.Equal(t, StateReady, l.State())
	assert.Equal(t, 3, dev.reads) // 2 discard + 1 verification
}

func TestAcquireFailsOnVerificationRead(t *testing.T) {
	dev := &fakeDevice{readErrs: []error{ErrSensor}}
	l := newTestLifecycle(func(Settings) (Device, error) { return dev, nil }, 0)

	assert.Nil(t, l.Acquire())
	assert.Equal(t, StateFaulted, l.State())
	assert.True(t, dev.closed)
}

func TestMarkFaultedReleasesDevice(t *testing.T) {
	dev := &fakeDevice{}
	l := newTestLifecycle(func(Settings) (Device, error) { return dev, nil }, 0)
	require.NotNil(t, l.Acquire())

	l.MarkFaulted()
	assert.Equal(t, StateFaulted, l.State())
	assert.True(t, dev.closed)
	assert.Nil(t, l.Device())
}

func TestReacquireAfterFault(t *testing.T) {
	l := newTestLifecycle(func(Settings) (Device, error) { return &fakeDevice{}, nil }, 0)
	require.NotNil(t, l.Acquire())
	l.MarkFaulted()

	require.NotNil(t, l.Acquire())
	assert.Equal(t, StateReady, l.State())
}

func TestAltitude(t *testing.T) {
	// Sea-level pressure at the reference gives zero altitude.
	assert.InDelta(t, 0, Altitude(1013.25, 1013.25), 0.001)
	// Roughly 540 m for 950 hPa against the standard atmosphere.
	assert.InDelta(t, 540, Altitude(950, 1013.25), 10)
	assert.Zero(t, Altitude(0, 1013.25))
}
