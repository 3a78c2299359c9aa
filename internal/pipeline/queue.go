package pipeline

import (
	"log/slog"

	"github.com/mhruz/bme280-forwarder/internal/model"
)

// Queue is the bounded FIFO holding not-yet-delivered messages while
// the broker is unreachable. At capacity the oldest entry is evicted to
// admit the newest: this is a deliberate at-most-N bound, not
// at-least-once delivery. Single-goroutine use only, matching the
// publisher loop's ownership discipline.
type Queue struct {
	capacity int
	items    []model.QueuedMessage
	warned   bool
	log      *slog.Logger
}

// NewQueue builds a queue with the given fixed capacity.
func NewQueue(capacity int, log *slog.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		capacity: capacity,
		items:    make([]model.QueuedMessage, 0, capacity),
		log:      log,
	}
}

// Len returns the current occupancy.
func (q *Queue) Len() int {
	return len(q.items)
}

// Push appends msg, evicting the oldest entry first when at capacity.
// Reports whether an eviction happened. The capacity-reached warning
// fires once per fill episode, re-armed when occupancy drops below
// capacity again.
func (q *Queue) Push(msg model.QueuedMessage) (evicted bool) {
	if len(q.items) == q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}
	q.items = append(q.items, msg)
	if len(q.items) == q.capacity && !q.warned {
		q.log.Warn("message queue reached maximum size", "max_size", q.capacity)
		q.warned = true
	}
	return evicted
}

// Drain attempts to publish every queued message in original order.
// It stops the moment live() reports false or a publish fails; the
// failing message and everything after it are re-queued in order, while
// messages already sent are gone. Returns the remaining count.
func (q *Queue) Drain(live func() bool, publish func(model.QueuedMessage) error) int {
	if len(q.items) == 0 {
		return 0
	}
	q.log.Info("sending stored messages", "count", len(q.items))

	pending := q.items
	q.items = make([]model.QueuedMessage, 0, q.capacity)
	q.warned = false

	for i, msg := range pending {
		if !live() {
			q.requeue(pending[i:])
			break
		}
		if err := publish(msg); err != nil {
			q.log.Error("failed to send queued message", "topic", msg.Topic, "error", err)
			q.requeue(pending[i:])
			break
		}
	}

	if len(q.items) > 0 {
		q.log.Info("messages remain in queue", "count", len(q.items))
	}
	return len(q.items)
}

func (q *Queue) requeue(msgs []model.QueuedMessage) {
	for _, m := range msgs {
		q.Push(m)
	}
}
