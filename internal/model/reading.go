package model

import "time"

// TimeLayout is the timestamp format used on every wire payload.
// Kept identical across the structured, legacy and status channels so
// downstream parsers need a single format.
const TimeLayout = "2006-01-02 15:04:05"

// Reading is one accepted environmental measurement. Scalars are already
// validated against the configured ranges and rounded to two decimals by
// the time a Reading exists; anything out of range never becomes one.
type Reading struct {
	Temperature float64   // °C
	Humidity    float64   // %RH
	Pressure    float64   // hPa
	Altitude    float64   // m, derived from pressure and sea-level reference
	Timestamp   time.Time // UTC
	Local       time.Time // same instant in the configured zone

	// Quality is the "X/Y successful readings" note carried on the
	// structured channel. Empty when aggregation ran a single sample.
	Quality string

	// Recovered marks a synthesized substitute derived from the last
	// good reading. BasedOn holds the timestamp it was derived from.
	Recovered bool
	BasedOn   time.Time
}

// QueuedMessage is one outbound publish held while the broker is
// unreachable. Evicted oldest-first when the queue is full.
type QueuedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}
