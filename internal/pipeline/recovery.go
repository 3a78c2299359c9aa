package pipeline

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/mhruz/bme280-forwarder/internal/model"
)

// Recovery policy: a substitute is only offered for brief blips. Once
// an error run is long, or the last good reading is stale, the cycle
// publishes nothing rather than fabricate data.
const (
	recoveryMaxAge    = 5 * time.Minute
	recoveryMaxErrors = 2
	recoveryJitter    = 0.1
)

// Advisor decides whether a jittered replay of the last good reading is
// safe to emit after a failed aggregation pass.
type Advisor struct {
	log  *slog.Logger
	now  func() time.Time
	rand *rand.Rand
}

// NewAdvisor builds a recovery advisor.
func NewAdvisor(log *slog.Logger) *Advisor {
	if log == nil {
		log = slog.Default()
	}
	return &Advisor{
		log:  log,
		now:  time.Now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaybeRecover returns a synthesized substitute for lastGood, or nil
// when recovery is not safe. The substitute carries fresh timestamps,
// independent uniform jitter in ±0.1 on each field, and is tagged so
// downstream consumers can tell it from live data.
func (a *Advisor) MaybeRecover(lastGood *model.Reading, consecutiveErrors int) *model.Reading {
	if lastGood == nil {
		return nil
	}
	if consecutiveErrors > recoveryMaxErrors {
		return nil
	}
	now := a.now()
	age := now.Sub(lastGood.Timestamp)
	if age > recoveryMaxAge {
		a.log.Info("last good reading too old for recovery", "age", age.Round(time.Second))
		return nil
	}

	sub := *lastGood
	sub.Temperature = Round2(lastGood.Temperature + a.jitter())
	sub.Humidity = Round2(lastGood.Humidity + a.jitter())
	sub.Pressure = Round2(lastGood.Pressure + a.jitter())
	sub.Timestamp = now.UTC()
	sub.Local = now.In(lastGood.Local.Location())
	sub.Quality = ""
	sub.Recovered = true
	sub.BasedOn = lastGood.Timestamp

	a.log.Warn("substituting recovery reading",
		"based_on", lastGood.Timestamp.Format(model.TimeLayout),
		"consecutive_errors", consecutiveErrors)
	return &sub
}

func (a *Advisor) jitter() float64 {
	return (2*a.rand.Float64() - 1) * recoveryJitter
}
