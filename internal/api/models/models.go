// Package models defines the request and response bodies of the HTTP API.
package models

import (
	"encoding/json"
	"time"

	"github.com/smazurov/blindspot/internal/state"
)

// StatusData is the current system state plus process facts.
type StatusData struct {
	Distance      *float64   `json:"distance" doc:"Last distance reading in cm, null when absent"`
	LEDStatus     string     `json:"ledStatus" example:"ON" doc:"LED status token"`
	SensorStatus  string     `json:"sensorStatus" example:"online" doc:"Sensor status token"`
	CameraStatus  string     `json:"cameraStatus" example:"online" doc:"Camera status token"`
	LastUpdate    *time.Time `json:"lastUpdate" doc:"Time of the last applied telemetry, null before any"`
	MQTTConnected bool       `json:"mqttConnected" doc:"Whether the bus connection is up"`
	Uptime        float64    `json:"uptime" example:"12.5" doc:"Process uptime in seconds"`
}

// NewStatusData combines a snapshot with process facts.
func NewStatusData(snap state.Snapshot, connected bool, uptime time.Duration) StatusData {
	return StatusData{
		Distance:      snap.Distance,
		LEDStatus:     snap.LEDStatus,
		SensorStatus:  snap.SensorStatus,
		CameraStatus:  snap.CameraStatus,
		LastUpdate:    snap.LastUpdate,
		MQTTConnected: connected,
		Uptime:        uptime.Seconds(),
	}
}

// StatusBody wraps StatusData in the success envelope.
type StatusBody struct {
	Success bool       `json:"success" example:"true"`
	Data    StatusData `json:"data"`
}

// StatusResponse is the GET /api/status response.
type StatusResponse struct {
	Body StatusBody
}

// HealthData reports liveness.
type HealthData struct {
	Status    string `json:"status" example:"healthy"`
	Timestamp string `json:"timestamp" example:"2024-05-01T10:00:00.000Z"`
	MQTT      string `json:"mqtt" enum:"connected,disconnected" doc:"Bus connectivity"`
}

// HealthResponse is the GET /api/health response.
type HealthResponse struct {
	Body HealthData
}

// VersionData describes the running build.
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2024-05-01T10:00:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go toolchain version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
	Modified  bool   `json:"modified" doc:"Built from a dirty working tree"`
}

// VersionResponse is the GET /api/version response.
type VersionResponse struct {
	Body VersionData
}

// CommandRequest carries an arbitrary JSON command.
type CommandRequest struct {
	RawBody []byte `contentType:"application/json" doc:"Command forwarded verbatim to the commands topic"`
}

// CommandData acknowledges a forwarded command.
type CommandData struct {
	Success bool `json:"success" example:"true"`
}

// CommandResponse is the POST /api/command response.
type CommandResponse struct {
	Body CommandData
}

// SSE event payloads. Each name maps to its own type so the stream can
// label events.

// DistanceEvent is a distance reading, encoded as a bare number or null.
type DistanceEvent struct {
	Value *float64
}

// MarshalJSON encodes the bare value.
func (e DistanceEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Value)
}

// LEDStatusEvent is a new LED status token.
type LEDStatusEvent string

// SensorStatusEvent is a new sensor status token.
type SensorStatusEvent string

// CameraStatusEvent is a new camera status token.
type CameraStatusEvent string

// BusStatusEvent mirrors bus connectivity changes.
type BusStatusEvent struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CommandForwardedEvent reports the outcome of a command publish.
type CommandForwardedEvent struct {
	Topic     string `json:"topic"`
	Size      int    `json:"size"`
	Source    string `json:"source"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}
