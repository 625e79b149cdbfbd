// Package state holds the canonical system state shared by the bridge and the hub.
package state

import (
	"fmt"
	"sync"
	"time"
)

// Field identifies one monitored signal of the system state.
type Field int

// Monitored fields.
const (
	FieldDistance Field = iota + 1
	FieldLEDStatus
	FieldSensorStatus
	FieldCameraStatus
)

// Defaults reported before any telemetry arrives.
const (
	DefaultLEDStatus    = "OFF"
	DefaultSensorStatus = "OFFLINE"
	DefaultCameraStatus = "OFFLINE"
)

// String returns the JSON name of the field.
func (f Field) String() string {
	switch f {
	case FieldDistance:
		return "distance"
	case FieldLEDStatus:
		return "ledStatus"
	case FieldSensorStatus:
		return "sensorStatus"
	case FieldCameraStatus:
		return "cameraStatus"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// Snapshot is an immutable copy of the system state.
type Snapshot struct {
	Distance     *float64   `json:"distance"`
	LEDStatus    string     `json:"ledStatus"`
	SensorStatus string     `json:"sensorStatus"`
	CameraStatus string     `json:"cameraStatus"`
	LastUpdate   *time.Time `json:"lastUpdate"`

	// Revision counts applied mutations; zero means never updated.
	Revision uint64 `json:"-"`
}

// Change describes one applied mutation.
// Value is a *float64 for FieldDistance (nil when absent) and a string otherwise.
type Change struct {
	Field    Field
	Value    any
	At       time.Time
	Revision uint64
}

// Store is the single owner of the system state. Apply and Snapshot are
// mutually exclusive, so readers never observe a partially applied mutation.
type Store struct {
	mu       sync.RWMutex
	distance *float64
	led      string
	sensor   string
	camera   string
	last     time.Time
	revision uint64
}

// NewStore creates a store holding the default state.
func NewStore() *Store {
	return &Store{
		led:    DefaultLEDStatus,
		sensor: DefaultSensorStatus,
		camera: DefaultCameraStatus,
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Distance:     cloneFloat(s.distance),
		LEDStatus:    s.led,
		SensorStatus: s.sensor,
		CameraStatus: s.camera,
		Revision:     s.revision,
	}
	if s.revision > 0 {
		last := s.last
		snap.LastUpdate = &last
	}
	return snap
}

// Apply overwrites one field and the last-update timestamp.
// It panics on an unknown field or a value of the wrong type.
func (s *Store) Apply(field Field, value any, at time.Time) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied any
	switch field {
	case FieldDistance:
		d, ok := value.(*float64)
		if !ok && value != nil {
			panic(fmt.Sprintf("state: %s expects *float64, got %T", field, value))
		}
		s.distance = cloneFloat(d)
		applied = cloneFloat(d)
	case FieldLEDStatus:
		s.led = mustString(field, value)
		applied = s.led
	case FieldSensorStatus:
		s.sensor = mustString(field, value)
		applied = s.sensor
	case FieldCameraStatus:
		s.camera = mustString(field, value)
		applied = s.camera
	default:
		panic(fmt.Sprintf("state: unknown field %s", field))
	}

	s.revision++
	s.last = at

	return Change{Field: field, Value: applied, At: at, Revision: s.revision}
}

func mustString(field Field, value any) string {
	str, ok := value.(string)
	if !ok {
		panic(fmt.Sprintf("state: %s expects string, got %T", field, value))
	}
	return str
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
