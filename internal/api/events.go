package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/blindspot/internal/api/models"
	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/hub"
	"github.com/smazurov/blindspot/internal/state"
)

// sseSink hands hub events to the SSE handler goroutine, which owns the
// response writer.
type sseSink struct {
	events chan hub.Event
	done   chan struct{}
}

func (k *sseSink) Send(ev hub.Event) error {
	select {
	case k.events <- ev:
		return nil
	case <-k.done:
		return hub.ErrSessionClosed
	}
}

// sseData maps a hub event to its typed SSE payload.
func sseData(ev hub.Event) any {
	switch ev.Name {
	case bridge.EventSystemState:
		if snap, ok := ev.Data.(state.Snapshot); ok {
			return snap
		}
	case bridge.EventDistance:
		v, _ := ev.Data.(*float64)
		return models.DistanceEvent{Value: v}
	case bridge.EventLEDStatus:
		v, _ := ev.Data.(string)
		return models.LEDStatusEvent(v)
	case bridge.EventSensorStatus:
		v, _ := ev.Data.(string)
		return models.SensorStatusEvent(v)
	case bridge.EventCameraStatus:
		v, _ := ev.Data.(string)
		return models.CameraStatusEvent(v)
	}
	return nil
}

// busEventData maps process events to their SSE payloads.
func busEventData(raw any) any {
	switch e := raw.(type) {
	case events.BusStatusEvent:
		return models.BusStatusEvent{
			Connected: e.Connected,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		}
	case events.CommandForwardedEvent:
		return models.CommandForwardedEvent{
			Topic:     e.Topic,
			Size:      e.Size,
			Source:    e.Source,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		}
	}
	return nil
}

// registerSSERoutes registers the native Huma SSE endpoint. Each connection
// is a hub session, so it sees the same snapshot-then-changes sequence as a
// websocket client.
func (s *Server) registerSSERoutes() {
	if s.options.Hub == nil {
		return
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Read-only real-time stream: system-state on connect, then fine-grained field updates, bus status and command outcomes",
		Tags:        []string{"events"},
		Errors:      []int{503},
	}, map[string]any{
		bridge.EventSystemState:  state.Snapshot{},
		bridge.EventDistance:     models.DistanceEvent{},
		bridge.EventLEDStatus:    models.LEDStatusEvent(""),
		bridge.EventSensorStatus: models.SensorStatusEvent(""),
		bridge.EventCameraStatus: models.CameraStatusEvent(""),
		"bus-status":             models.BusStatusEvent{},
		"command-forwarded":      models.CommandForwardedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sink := &sseSink{events: make(chan hub.Event), done: make(chan struct{})}
		defer close(sink.done)

		session, err := s.options.Hub.Attach(sink)
		if err != nil {
			s.logger.Debug("SSE session refused", "error", err)
			return
		}
		defer session.Close()

		busCh := make(chan any, 10)
		if s.options.EventBus != nil {
			defer events.SubscribeToChannel[events.BusStatusEvent](s.options.EventBus, busCh)()
			defer events.SubscribeToChannel[events.CommandForwardedEvent](s.options.EventBus, busCh)()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				return
			case ev := <-sink.events:
				data := sseData(ev)
				if data == nil {
					continue
				}
				if err := send.Data(data); err != nil {
					return
				}
			case raw := <-busCh:
				data := busEventData(raw)
				if data == nil {
					continue
				}
				if err := send.Data(data); err != nil {
					return
				}
			}
		}
	})
}
