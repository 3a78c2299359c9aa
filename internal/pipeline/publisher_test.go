package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhruz/bme280-forwarder/internal/model"
	"github.com/mhruz/bme280-forwarder/internal/sensor"
	"github.com/mhruz/bme280-forwarder/pkg/mqttconn"
)

type fakeBroker struct {
	mu        sync.Mutex
	live      bool
	published []model.QueuedMessage
	failAll   bool
}

func (b *fakeBroker) Live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

func (b *fakeBroker) setLive(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = v
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll {
		return errors.New("publish refused")
	}
	b.published = append(b.published, model.QueuedMessage{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	return nil
}

func (b *fakeBroker) publishedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, m := range b.published {
		out[i] = m.Topic
	}
	return out
}

func testLoopConfig() LoopConfig {
	return LoopConfig{
		Location:             "IT OFFICE",
		ReadingsTopic:        "senzory/IT OFFICE/readings",
		LegacyTopic:          "senzory/bme280",
		StatusTopic:          "senzory/IT OFFICE/status",
		UseLegacy:            true,
		LegacyTempField:      "teplota",
		LegacyHumidityField:  "vlhkost",
		LegacyPressureField:  "tlak",
		QoS:                  1,
		SampleRate:           5 * time.Second,
		InitRetryInterval:    30 * time.Second,
		SampleCount:          1,
		MaxConsecutiveErrors: 3,
		SeaLevelPressure:     1013.25,
		LocalZone:            time.UTC,
	}
}

func newTestLoop(t *testing.T, cfg LoopConfig, broker Broker, events <-chan mqttconn.Event, lc *sensor.Lifecycle) *Loop {
	t.Helper()
	log := discardLogger()
	l := NewLoop(cfg, broker, events,
		lc,
		NewAggregator(wideRanges(), 0, 0, log),
		NewAdvisor(log),
		NewQueue(100, log),
		log)
	l.sleep = func(context.Context, time.Duration) {}
	return l
}

func testReading() model.Reading {
	now := time.Now().UTC()
	return model.Reading{
		Temperature: 21.5, Humidity: 48.2, Pressure: 995.3, Altitude: 150.12,
		Timestamp: now, Local: now,
		Quality: "5/5 successful readings",
	}
}

func TestPublishReadingQueuesBothMessagesWhenDisconnected(t *testing.T) {
	broker := &fakeBroker{live: false}
	l := newTestLoop(t, testLoopConfig(), broker, nil, nil)

	ok := l.publishReading(testReading())
	assert.False(t, ok)
	assert.Empty(t, broker.published)
	require.Equal(t, 2, l.queue.Len())
	assert.Equal(t, []string{"senzory/IT OFFICE/readings", "senzory/bme280"}, topics(l.queue.items))
}

func TestReconnectDrainsQueueBeforeNewPublishes(t *testing.T) {
	broker := &fakeBroker{live: false}
	events := make(chan mqttconn.Event, 1)
	l := newTestLoop(t, testLoopConfig(), broker, events, nil)

	// One disconnected cycle: both messages land in the queue.
	l.publishReading(testReading())
	require.Equal(t, 2, l.queue.Len())

	// Broker comes back; the connect event triggers a drain, and the
	// next cycle's messages follow the queued ones.
	broker.setLive(true)
	events <- mqttconn.EventConnected
	l.pollEvents()
	assert.Zero(t, l.queue.Len())

	l.publishReading(testReading())
	assert.Equal(t, []string{
		"senzory/IT OFFICE/readings", "senzory/bme280", // drained, original order
		"senzory/IT OFFICE/readings", "senzory/bme280", // fresh cycle
	}, broker.publishedTopics())
}

func TestPublishFailureQueuesMessage(t *testing.T) {
	broker := &fakeBroker{live: true, failAll: true}
	l := newTestLoop(t, testLoopConfig(), broker, nil, nil)

	ok := l.publishReading(testReading())
	assert.False(t, ok)
	assert.Equal(t, 2, l.queue.Len())
}

func TestRecoveryReadingSkipsLegacyChannel(t *testing.T) {
	broker := &fakeBroker{live: true}
	l := newTestLoop(t, testLoopConfig(), broker, nil, nil)

	r := testReading()
	r.Recovered = true
	r.BasedOn = r.Timestamp.Add(-time.Minute)
	r.Quality = ""

	require.True(t, l.publishReading(r))
	require.Len(t, broker.published, 1)
	assert.Equal(t, "senzory/IT OFFICE/readings", broker.published[0].Topic)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(broker.published[0].Payload, &payload))
	assert.Equal(t, true, payload["recovery"])
	assert.Equal(t, r.BasedOn.Format(model.TimeLayout), payload["based_on"])
}

func TestSamplingFaultThresholdForcesFaultedAndResetsCounter(t *testing.T) {
	broker := &fakeBroker{live: true}
	openErr := errors.New("chip not responding")
	lc := sensor.NewLifecycle(func(sensor.Settings) (sensor.Device, error) {
		return nil, openErr
	}, sensor.Settings{}, 0, discardLogger())

	cfg := testLoopConfig()
	l := newTestLoop(t, cfg, broker, nil, lc)

	// Two validation faults: counter grows, sensor not faulted.
	l.handleSamplingFault(ErrNoValidSamples)
	l.handleSamplingFault(ErrNoValidSamples)
	assert.Equal(t, 2, l.consecutiveErrors)
	assert.NotEqual(t, sensor.StateFaulted, lc.State())

	// Third fault reaches the threshold: Faulted, counter back to zero.
	l.handleSamplingFault(ErrNoValidSamples)
	assert.Equal(t, sensor.StateFaulted, lc.State())
	assert.Zero(t, l.consecutiveErrors)
}

func TestReadFaultForcesReacquisitionImmediately(t *testing.T) {
	broker := &fakeBroker{live: true}
	lc := sensor.NewLifecycle(func(sensor.Settings) (sensor.Device, error) {
		return scripted(sample(21, 50, 1000), sample(21, 50, 1000)), nil
	}, sensor.Settings{}, 0, discardLogger())
	require.NotNil(t, lc.Acquire())

	l := newTestLoop(t, testLoopConfig(), broker, nil, lc)
	l.handleSamplingFault(errors.Join(ErrNoValidSamples, sensor.ErrSensor))

	assert.Equal(t, sensor.StateFaulted, lc.State())
	assert.Equal(t, 1, l.consecutiveErrors)
}

func TestTryAcquireRespectsRetryIntervalGate(t *testing.T) {
	broker := &fakeBroker{live: true}
	opens := 0
	lc := sensor.NewLifecycle(func(sensor.Settings) (sensor.Device, error) {
		opens++
		return scripted(sample(21, 50, 1000), sample(21, 50, 1000), sample(21, 50, 1000)), nil
	}, sensor.Settings{}, 0, discardLogger())

	cfg := testLoopConfig()
	l := newTestLoop(t, cfg, broker, nil, lc)

	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	require.True(t, l.tryAcquire(context.Background()))
	assert.Equal(t, 1, opens)

	// Fault the sensor; a reattempt inside the interval is a no-op.
	lc.MarkFaulted()
	now = base.Add(10 * time.Second)
	assert.False(t, l.tryAcquire(context.Background()))
	assert.Equal(t, 1, opens)
	assert.Equal(t, sensor.StateFaulted, lc.State())

	// Once the interval has elapsed, acquisition runs again.
	now = base.Add(31 * time.Second)
	assert.True(t, l.tryAcquire(context.Background()))
	assert.Equal(t, 2, opens)
	assert.Equal(t, sensor.StateReady, lc.State())
}
