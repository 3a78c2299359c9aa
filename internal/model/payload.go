package model

import (
	"encoding/json"
	"strings"
	"time"
)

// StructuredPayload is the primary wire format on the readings topic.
type StructuredPayload struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Altitude    float64 `json:"altitude"`
	Timestamp   string  `json:"timestamp"`
	LocalTime   string  `json:"local_time"`
	Quality     string  `json:"reading_quality,omitempty"`
	Recovery    bool    `json:"recovery,omitempty"`
	BasedOn     string  `json:"based_on,omitempty"`
}

// StatusPayload is published retained on the status topic and registered
// as the broker last-will message.
type StatusPayload struct {
	Location  string `json:"location"`
	Status    string `json:"status"` // "online" or "offline"
	Timestamp string `json:"timestamp"`
}

// NewStructuredPayload flattens a Reading into the structured wire format.
func NewStructuredPayload(location string, r Reading) StructuredPayload {
	p := StructuredPayload{
		Location:    location,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Pressure:    r.Pressure,
		Altitude:    r.Altitude,
		Timestamp:   r.Timestamp.Format(TimeLayout),
		LocalTime:   r.Local.Format(TimeLayout),
		Quality:     r.Quality,
	}
	if r.Recovered {
		p.Recovery = true
		p.BasedOn = r.BasedOn.Format(TimeLayout)
	}
	return p
}

// LegacyPayload builds the legacy-channel JSON with configuration-driven
// field names. A map is used because the field names are not known at
// compile time.
func LegacyPayload(location string, r Reading, tempField, humidityField, pressureField string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"location":    location,
		tempField:     r.Temperature,
		humidityField: r.Humidity,
		pressureField: r.Pressure,
		"timestamp":   r.Timestamp.Format(TimeLayout),
	})
}

// StatusJSON marshals a status payload for the given instant.
func StatusJSON(location, status string, t time.Time) ([]byte, error) {
	return json.Marshal(StatusPayload{
		Location:  location,
		Status:    status,
		Timestamp: t.Format(TimeLayout),
	})
}

// ExpandTopic substitutes {location} in a topic template.
func ExpandTopic(template, location string) string {
	return strings.ReplaceAll(template, "{location}", location)
}
