package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhruz/bme280-forwarder/internal/model"
)

func lastGoodAged(now time.Time, age time.Duration) *model.Reading {
	ts := now.Add(-age)
	return &model.Reading{
		Temperature: 21.5,
		Humidity:    48.2,
		Pressure:    995.3,
		Altitude:    150.0,
		Timestamp:   ts,
		Local:       ts,
	}
}

func TestMaybeRecoverNilWithoutLastGood(t *testing.T) {
	a := NewAdvisor(discardLogger())
	assert.Nil(t, a.MaybeRecover(nil, 1))
}

func TestMaybeRecoverStaleReadingRefused(t *testing.T) {
	now := time.Now()
	a := NewAdvisor(discardLogger())
	a.now = func() time.Time { return now }

	// Six minutes old: refused regardless of the error count.
	assert.Nil(t, a.MaybeRecover(lastGoodAged(now, 6*time.Minute), 0))
	assert.Nil(t, a.MaybeRecover(lastGoodAged(now, 6*time.Minute), 2))
}

func TestMaybeRecoverLongErrorRunRefused(t *testing.T) {
	now := time.Now()
	a := NewAdvisor(discardLogger())
	a.now = func() time.Time { return now }

	assert.Nil(t, a.MaybeRecover(lastGoodAged(now, time.Minute), 3))
}

func TestMaybeRecoverJittersWithinBounds(t *testing.T) {
	now := time.Now()
	a := NewAdvisor(discardLogger())
	a.now = func() time.Time { return now }
	last := lastGoodAged(now, 2*time.Minute)

	sub := a.MaybeRecover(last, 1)
	require.NotNil(t, sub)

	assert.InDelta(t, last.Temperature, sub.Temperature, recoveryJitter)
	assert.InDelta(t, last.Humidity, sub.Humidity, recoveryJitter)
	assert.InDelta(t, last.Pressure, sub.Pressure, recoveryJitter)
	assert.True(t, sub.Recovered)
	assert.Equal(t, last.Timestamp, sub.BasedOn)
	assert.Equal(t, now.UTC(), sub.Timestamp)
	assert.Empty(t, sub.Quality)

	// The original is untouched.
	assert.False(t, last.Recovered)
	assert.Equal(t, 21.5, last.Temperature)
}
