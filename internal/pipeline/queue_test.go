package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhruz/bme280-forwarder/internal/model"
)

func qmsg(topic string) model.QueuedMessage {
	return model.QueuedMessage{Topic: topic, Payload: []byte(topic), QoS: 1}
}

func topics(msgs []model.QueuedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}

func TestPushEvictsOldestAtCapacity(t *testing.T) {
	q := NewQueue(3, discardLogger())
	assert.False(t, q.Push(qmsg("m1")))
	assert.False(t, q.Push(qmsg("m2")))
	assert.False(t, q.Push(qmsg("m3")))

	assert.True(t, q.Push(qmsg("m4")))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"m2", "m3", "m4"}, topics(q.items))
}

func TestDrainPublishesInOrder(t *testing.T) {
	q := NewQueue(10, discardLogger())
	q.Push(qmsg("m1"))
	q.Push(qmsg("m2"))
	q.Push(qmsg("m3"))

	var sent []string
	remaining := q.Drain(
		func() bool { return true },
		func(m model.QueuedMessage) error {
			sent = append(sent, m.Topic)
			return nil
		})

	assert.Zero(t, remaining)
	assert.Equal(t, []string{"m1", "m2", "m3"}, sent)
}

func TestDrainRequeuesFromFailurePoint(t *testing.T) {
	q := NewQueue(10, discardLogger())
	q.Push(qmsg("m1"))
	q.Push(qmsg("m2"))
	q.Push(qmsg("m3"))

	remaining := q.Drain(
		func() bool { return true },
		func(m model.QueuedMessage) error {
			if m.Topic == "m2" {
				return errors.New("broker rejected")
			}
			return nil
		})

	// m1 is gone; m2 and m3 are back in original relative order.
	require.Equal(t, 2, remaining)
	assert.Equal(t, []string{"m2", "m3"}, topics(q.items))
}

func TestDrainStopsWhenLivenessDrops(t *testing.T) {
	q := NewQueue(10, discardLogger())
	q.Push(qmsg("m1"))
	q.Push(qmsg("m2"))

	calls := 0
	remaining := q.Drain(
		func() bool { return calls == 0 }, // liveness drops after the first publish
		func(m model.QueuedMessage) error {
			calls++
			return nil
		})

	require.Equal(t, 1, remaining)
	assert.Equal(t, []string{"m2"}, topics(q.items))
	assert.Equal(t, 1, calls)
}

func TestCapacityWarningRearmsAfterDrain(t *testing.T) {
	q := NewQueue(2, discardLogger())
	q.Push(qmsg("m1"))
	q.Push(qmsg("m2"))
	assert.True(t, q.warned)

	q.Drain(func() bool { return true }, func(model.QueuedMessage) error { return nil })
	assert.False(t, q.warned)
}
