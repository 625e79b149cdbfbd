package events

import (
	"time"

	"github.com/smazurov/blindspot/internal/state"
)

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeBusStatus
	TypeCommandForwarded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published by the ingress normalizer after every
// successful mutation of the canonical state.
type StateChangedEvent struct {
	// Name is the client-facing event name, e.g. "mqtt-distance".
	Name     string
	Field    state.Field
	Value    any
	Revision uint64
	At       time.Time
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// BusStatusEvent reports messaging bus connectivity changes.
type BusStatusEvent struct {
	Driver    string `json:"driver"`
	Broker    string `json:"broker"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for BusStatusEvent.
func (e BusStatusEvent) Type() uint32 { return TypeBusStatus }

// CommandForwardedEvent is published after each command publish attempt.
type CommandForwardedEvent struct {
	Topic     string `json:"topic"`
	Size      int    `json:"size"`
	Source    string `json:"source"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for CommandForwardedEvent.
func (e CommandForwardedEvent) Type() uint32 { return TypeCommandForwarded }
