package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/metrics"
)

// Publisher sends one message to the bus.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Egress forwards client commands to the outbound topic. It never retries
// and never reports failure back to the caller.
type Egress struct {
	topic     string
	publisher Publisher
	eventBus  *events.Bus
	logger    *slog.Logger
}

// NewEgress creates an egress publishing on the commands topic.
func NewEgress(bindings *Bindings, publisher Publisher, eventBus *events.Bus, logger *slog.Logger) *Egress {
	if logger == nil {
		logger = slog.Default()
	}

	return &Egress{
		topic:     bindings.CommandsTopic(),
		publisher: publisher,
		eventBus:  eventBus,
		logger:    logger.With("component", "egress"),
	}
}

// Forward serializes command as JSON and publishes it once.
// source identifies the originating session for logs.
func (e *Egress) Forward(ctx context.Context, command any, source string) {
	payload, err := json.Marshal(command)
	if err != nil {
		err = fmt.Errorf("serialize command: %w", err)
	} else {
		e.logger.InfoContext(ctx, "Publishing command", "topic", e.topic, "payload", string(payload), "source", source)
		err = e.publisher.Publish(e.topic, payload)
	}

	metrics.RecordCommand(err)

	ev := events.CommandForwardedEvent{
		Topic:     e.topic,
		Size:      len(payload),
		Source:    source,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
		e.logger.WarnContext(ctx, "Failed to publish command", "topic", e.topic, "source", source, "error", err)
	}

	if e.eventBus != nil {
		e.eventBus.Publish(ev)
	}
}
