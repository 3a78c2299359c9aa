package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mhruz/bme280-forwarder/internal/metrics"
	"github.com/mhruz/bme280-forwarder/internal/model"
	"github.com/mhruz/bme280-forwarder/internal/sensor"
	"github.com/mhruz/bme280-forwarder/pkg/mqttconn"
)

// Broker is the publish surface of the broker connection. The liveness
// flag is written only by the connection's event callbacks; the loop
// reads it at the start of Publishing and inside drain.
type Broker interface {
	Live() bool
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// LoopConfig carries the already-expanded settings the loop needs.
type LoopConfig struct {
	Location      string
	ReadingsTopic string
	LegacyTopic   string
	StatusTopic   string
	UseLegacy     bool

	LegacyTempField     string
	LegacyHumidityField string
	LegacyPressureField string

	QoS                  byte
	SampleRate           time.Duration
	InitRetryInterval    time.Duration
	SampleCount          int
	DiscardOutliers      bool
	FlushEachCycle       bool
	MaxConsecutiveErrors int
	SeaLevelPressure     float64
	LocalZone            *time.Location
}

// Loop is the orchestrator: on a fixed cadence plus small jitter it
// acquires a usable sensor, aggregates a reading (or asks the advisor
// for a substitute), builds outbound messages and routes them to direct
// publish or the queue depending on broker state. All mutable pipeline
// state lives in named fields here, each with a single writer: the loop
// goroutine itself.
type Loop struct {
	cfg       LoopConfig
	broker    Broker
	events    <-chan mqttconn.Event
	lifecycle *sensor.Lifecycle
	agg       *Aggregator
	advisor   *Advisor
	queue     *Queue
	breaker   *gobreaker.CircuitBreaker
	log       *slog.Logger

	lastGood          *model.Reading
	consecutiveErrors int
	lastInitAttempt   time.Time

	// mirrors for the health endpoint, which reads from another goroutine
	depthMirror atomic.Int64
	stateMirror atomic.Int32

	now   func() time.Time
	sleep func(context.Context, time.Duration)
	rng   *rand.Rand
}

// NewLoop wires the pipeline together. events may be nil when no
// connection-event stream exists (tests drive drain explicitly).
func NewLoop(cfg LoopConfig, broker Broker, events <-chan mqttconn.Event,
	lifecycle *sensor.Lifecycle, agg *Aggregator, advisor *Advisor, queue *Queue,
	log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if cfg.LocalZone == nil {
		cfg.LocalZone = time.UTC
	}
	return &Loop{
		cfg:       cfg,
		broker:    broker,
		events:    events,
		lifecycle: lifecycle,
		agg:       agg,
		advisor:   advisor,
		queue:     queue,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "mqtt-publish",
			Interval: time.Minute,
			Timeout:  10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives the loop until ctx is cancelled. Cancellation is observed
// at cycle boundaries only: an in-progress publish attempt is allowed
// to finish or time out on its own. A final offline status is published
// best-effort before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.publishStatus("online", true)

	for ctx.Err() == nil {
		l.pollEvents()

		if l.lifecycle.State() != sensor.StateReady {
			if !l.tryAcquire(ctx) {
				continue
			}
		}
		dev := l.lifecycle.Device()

		res, err := l.agg.Aggregate(dev, l.cfg.SampleCount, l.cfg.DiscardOutliers)
		if err != nil {
			l.handleSamplingFault(err)
			l.idle(ctx)
			continue
		}

		reading := l.buildReading(res)
		l.lastGood = &reading
		if l.publishReading(reading) {
			l.consecutiveErrors = 0
		}
		l.idle(ctx)
	}

	l.log.Info("shutting down")
	l.publishStatus("offline", false)
	return nil
}

// tryAcquire enforces the reacquisition gate and attempts sensor
// initialization. Returns true when the sensor is Ready and the cycle
// may proceed.
func (l *Loop) tryAcquire(ctx context.Context) bool {
	wait := l.cfg.InitRetryInterval
	if l.cfg.SampleRate < wait {
		wait = l.cfg.SampleRate
	}

	now := l.now()
	if !l.lastInitAttempt.IsZero() && now.Sub(l.lastInitAttempt) < l.cfg.InitRetryInterval {
		l.sleep(ctx, wait)
		return false
	}

	l.log.Info("sensor not available, attempting to initialize")
	l.lastInitAttempt = now
	metrics.ReinitsTotal.Inc()
	dev := l.lifecycle.Acquire()
	l.mirrorState()
	if dev == nil {
		l.sleep(ctx, wait)
		return false
	}
	return true
}

// handleSamplingFault applies the consecutive-error policy to a failed
// aggregation pass. Hardware faults force reacquisition immediately;
// validation-only faults do so once the threshold is reached. For short
// error runs the advisor may still emit a substitute reading.
func (l *Loop) handleSamplingFault(err error) {
	l.consecutiveErrors++

	kind := "validation"
	if errors.Is(err, sensor.ErrSensor) || errors.Is(err, sensor.ErrBus) {
		kind = "read"
	}
	metrics.SensorErrorsTotal.WithLabelValues(kind).Inc()
	l.log.Error("sampling cycle failed",
		"kind", kind, "consecutive_errors", l.consecutiveErrors, "error", err)

	if kind == "read" {
		l.lifecycle.MarkFaulted()
	}
	if l.consecutiveErrors >= l.cfg.MaxConsecutiveErrors {
		l.log.Error("consecutive error threshold reached, forcing sensor reinitialization",
			"threshold", l.cfg.MaxConsecutiveErrors)
		l.lifecycle.MarkFaulted()
		l.consecutiveErrors = 0
	} else if sub := l.advisor.MaybeRecover(l.lastGood, l.consecutiveErrors); sub != nil {
		metrics.RecoveriesTotal.Inc()
		l.publishReading(*sub)
	}
	l.mirrorState()
}

func (l *Loop) buildReading(res *AggregateResult) model.Reading {
	now := l.now()
	r := model.Reading{
		Temperature: res.Temperature,
		Humidity:    res.Humidity,
		Pressure:    res.Pressure,
		Altitude:    Round2(sensor.Altitude(res.Pressure, l.cfg.SeaLevelPressure)),
		Timestamp:   now.UTC(),
		Local:       now.In(l.cfg.LocalZone),
	}
	if res.Attempted > 1 {
		r.Quality = fmt.Sprintf("%d/%d successful readings", res.Successful, res.Attempted)
	}
	return r
}

type outMessage struct {
	model.QueuedMessage
	channel string
}

// publishReading builds the outbound messages for one reading and
// routes them. Recovery substitutes go to the structured channel only.
// Reports whether every message went out without queuing.
func (l *Loop) publishReading(r model.Reading) bool {
	structured, err := json.Marshal(model.NewStructuredPayload(l.cfg.Location, r))
	if err != nil {
		l.log.Error("marshal structured payload", "error", err)
		return false
	}
	msgs := []outMessage{{
		QueuedMessage: model.QueuedMessage{Topic: l.cfg.ReadingsTopic, Payload: structured, QoS: l.cfg.QoS},
		channel:       "readings",
	}}
	if l.cfg.UseLegacy && !r.Recovered {
		legacy, err := model.LegacyPayload(l.cfg.Location, r,
			l.cfg.LegacyTempField, l.cfg.LegacyHumidityField, l.cfg.LegacyPressureField)
		if err != nil {
			l.log.Error("marshal legacy payload", "error", err)
		} else {
			msgs = append(msgs, outMessage{
				QueuedMessage: model.QueuedMessage{Topic: l.cfg.LegacyTopic, Payload: legacy, QoS: l.cfg.QoS},
				channel:       "legacy",
			})
		}
	}

	if !l.broker.Live() {
		l.log.Warn("MQTT broker not connected, queueing messages", "count", len(msgs))
		for _, m := range msgs {
			l.push(m.QueuedMessage)
		}
		return false
	}

	if l.cfg.FlushEachCycle {
		l.drain()
	}

	ok := true
	for _, m := range msgs {
		if err := l.publish(m.QueuedMessage); err != nil {
			l.log.Error("failed to publish", "topic", m.Topic, "error", err)
			l.push(m.QueuedMessage)
			ok = false
			continue
		}
		metrics.PublishedTotal.WithLabelValues(m.channel).Inc()
	}
	if ok {
		l.log.Info("published reading",
			"temperature", r.Temperature, "humidity", r.Humidity, "pressure", r.Pressure,
			"recovery", r.Recovered)
	}
	return ok
}

// publishStatus sends the retained online/offline status message. At
// shutdown queueOnFail is false: the process is exiting and the broker
// last-will covers the unclean case.
func (l *Loop) publishStatus(status string, queueOnFail bool) {
	payload, err := model.StatusJSON(l.cfg.Location, status, l.now().UTC())
	if err != nil {
		return
	}
	msg := model.QueuedMessage{Topic: l.cfg.StatusTopic, Payload: payload, QoS: l.cfg.QoS, Retain: true}

	if l.broker.Live() {
		if err := l.publish(msg); err == nil {
			metrics.PublishedTotal.WithLabelValues("status").Inc()
			return
		} else {
			l.log.Error("failed to publish status", "status", status, "error", err)
		}
	}
	if queueOnFail {
		l.push(msg)
	}
}

// publish routes one message through the circuit breaker. An open
// breaker fails fast, sending the message straight to the queue instead
// of waiting out broker timeouts on every cycle.
func (l *Loop) publish(m model.QueuedMessage) error {
	_, err := l.breaker.Execute(func() (any, error) {
		return nil, l.broker.Publish(m.Topic, m.Payload, m.QoS, m.Retain)
	})
	return err
}

func (l *Loop) push(m model.QueuedMessage) {
	if l.queue.Push(m) {
		metrics.EvictedTotal.Inc()
	}
	metrics.QueuedTotal.Inc()
	l.mirrorDepth()
}

func (l *Loop) drain() {
	l.queue.Drain(l.broker.Live, func(m model.QueuedMessage) error {
		if err := l.publish(m); err != nil {
			return err
		}
		metrics.PublishedTotal.WithLabelValues("queued").Inc()
		return nil
	})
	l.mirrorDepth()
}

// pollEvents consumes pending connectivity transitions without
// blocking. A reconnect triggers an opportunistic drain even when
// per-cycle flushing is disabled.
func (l *Loop) pollEvents() {
	for {
		select {
		case e := <-l.events:
			metrics.SetBool(metrics.BrokerLive, l.broker.Live())
			if e == mqttconn.EventConnected {
				l.log.Info("broker connection restored")
				l.drain()
			}
		default:
			metrics.SetBool(metrics.BrokerLive, l.broker.Live())
			return
		}
	}
}

// idle sleeps sample_rate plus small uniform jitter to avoid lock-step
// synchronization with other periodic processes.
func (l *Loop) idle(ctx context.Context) {
	jitter := time.Duration((2*l.rng.Float64() - 1) * 0.1 * float64(l.cfg.SampleRate))
	l.sleep(ctx, l.cfg.SampleRate+jitter)
}

func (l *Loop) mirrorDepth() {
	l.depthMirror.Store(int64(l.queue.Len()))
	metrics.QueueDepth.Set(float64(l.queue.Len()))
}

func (l *Loop) mirrorState() {
	st := l.lifecycle.State()
	l.stateMirror.Store(int32(st))
	metrics.SetBool(metrics.SensorReady, st == sensor.StateReady)
}

// BrokerLive implements metrics.HealthSource.
func (l *Loop) BrokerLive() bool {
	return l.broker.Live()
}

// SensorState implements metrics.HealthSource.
func (l *Loop) SensorState() string {
	return sensor.State(l.stateMirror.Load()).String()
}

// QueueLen implements metrics.HealthSource.
func (l *Loop) QueueLen() int {
	return int(l.depthMirror.Load())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
