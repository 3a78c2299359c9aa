// Package metrics exposes Prometheus instrumentation for the forwarder
// plus the /metrics and /healthz HTTP listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishedTotal counts successful publishes per channel
	// (readings, legacy, status, queued).
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bme280_published_total",
		Help: "Messages successfully published to the broker.",
	}, []string{"channel"})

	// QueuedTotal counts messages diverted to the outbound queue.
	QueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bme280_queued_total",
		Help: "Messages placed on the outbound queue.",
	})

	// EvictedTotal counts messages dropped by oldest-first eviction.
	EvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bme280_queue_evicted_total",
		Help: "Messages evicted from the full outbound queue.",
	})

	// SensorErrorsTotal counts failed sampling cycles by kind
	// (read, validation).
	SensorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bme280_sensor_errors_total",
		Help: "Sampling cycles that produced no valid reading.",
	}, []string{"kind"})

	// RecoveriesTotal counts synthesized recovery readings.
	RecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bme280_recoveries_total",
		Help: "Recovery readings substituted for failed cycles.",
	})

	// ReinitsTotal counts sensor reinitialization attempts.
	ReinitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bme280_sensor_reinits_total",
		Help: "Sensor acquisition attempts.",
	})

	// QueueDepth tracks current outbound queue occupancy.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bme280_queue_depth",
		Help: "Messages currently held in the outbound queue.",
	})

	// BrokerLive reflects the broker liveness flag.
	BrokerLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bme280_broker_connected",
		Help: "1 while the MQTT broker connection is live.",
	})

	// SensorReady reflects the sensor lifecycle state.
	SensorReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bme280_sensor_ready",
		Help: "1 while the sensor is in the Ready state.",
	})
)

// SetBool writes a boolean into a 0/1 gauge.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
