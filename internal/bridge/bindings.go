// Package bridge translates between the device bus and the canonical state.
//
// The Normalizer consumes inbound bus messages, decodes them by topic binding
// and applies them to the state store. The Egress forwards client commands to
// the outbound topic.
package bridge

import (
	"fmt"

	"github.com/smazurov/blindspot/internal/state"
)

// Client-facing event names.
const (
	EventSystemState  = "system-state"
	EventDistance     = "mqtt-distance"
	EventLEDStatus    = "mqtt-led-status"
	EventSensorStatus = "mqtt-sensor-status"
	EventCameraStatus = "mqtt-camera-status"
)

// Topics names the bus topics of one installation.
type Topics struct {
	Distance     string `toml:"distance" json:"distance"`
	LEDStatus    string `toml:"led_status" json:"ledStatus"`
	SensorStatus string `toml:"sensor_status" json:"sensorStatus"`
	CameraStatus string `toml:"camera_status" json:"cameraStatus"`
	Commands     string `toml:"commands" json:"commands"`
}

// DefaultTopics returns the topics the field devices publish on.
func DefaultTopics() Topics {
	return Topics{
		Distance:     "SkripsiFuji/blindspot/sensor/distance",
		LEDStatus:    "SkripsiFuji/blindspot/led_status",
		SensorStatus: "SkripsiFuji/blindspot/sensor/status",
		CameraStatus: "SkripsiFuji/blindspot/camera/status",
		Commands:     "SkripsiFuji/blindspot/web/commands",
	}
}

// Decoder turns a raw payload into a state value. A non-nil error means the
// payload was malformed; the returned value is still applied.
type Decoder func(payload []byte) (any, error)

// Binding ties an inbound topic to a state field.
type Binding struct {
	Topic  string
	Field  state.Field
	Event  string
	Decode Decoder
}

// Bindings is the static topic table.
type Bindings struct {
	inbound  map[string]Binding
	order    []string
	commands string
}

// NewBindings builds the topic table. Topics must be non-empty and distinct.
func NewBindings(t Topics) (*Bindings, error) {
	list := []Binding{
		{Topic: t.Distance, Field: state.FieldDistance, Event: EventDistance, Decode: DecodeDistance},
		{Topic: t.LEDStatus, Field: state.FieldLEDStatus, Event: EventLEDStatus, Decode: DecodeStatus},
		{Topic: t.SensorStatus, Field: state.FieldSensorStatus, Event: EventSensorStatus, Decode: DecodeStatus},
		{Topic: t.CameraStatus, Field: state.FieldCameraStatus, Event: EventCameraStatus, Decode: DecodeStatus},
	}

	if t.Commands == "" {
		return nil, fmt.Errorf("commands topic is empty")
	}

	b := &Bindings{
		inbound:  make(map[string]Binding, len(list)),
		commands: t.Commands,
	}
	for _, binding := range list {
		if binding.Topic == "" {
			return nil, fmt.Errorf("topic for %s is empty", binding.Field)
		}
		if _, dup := b.inbound[binding.Topic]; dup || binding.Topic == t.Commands {
			return nil, fmt.Errorf("topic %q is bound twice", binding.Topic)
		}
		b.inbound[binding.Topic] = binding
		b.order = append(b.order, binding.Topic)
	}

	return b, nil
}

// Lookup returns the binding for an inbound topic.
func (b *Bindings) Lookup(topic string) (Binding, bool) {
	binding, ok := b.inbound[topic]
	return binding, ok
}

// InboundTopics returns the subscribed topics in table order.
func (b *Bindings) InboundTopics() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Inbound returns the inbound bindings in table order.
func (b *Bindings) Inbound() []Binding {
	out := make([]Binding, 0, len(b.order))
	for _, topic := range b.order {
		out = append(out, b.inbound[topic])
	}
	return out
}

// CommandsTopic returns the outbound-only topic.
func (b *Bindings) CommandsTopic() string {
	return b.commands
}

// EventName returns the fine-grained event name for a field.
func EventName(f state.Field) string {
	switch f {
	case state.FieldDistance:
		return EventDistance
	case state.FieldLEDStatus:
		return EventLEDStatus
	case state.FieldSensorStatus:
		return EventSensorStatus
	case state.FieldCameraStatus:
		return EventCameraStatus
	default:
		return ""
	}
}
