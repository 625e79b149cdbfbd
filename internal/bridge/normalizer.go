package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/smazurov/blindspot/internal/bus"
	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/metrics"
	"github.com/smazurov/blindspot/internal/state"
)

// Normalizer applies inbound bus messages to the state store.
type Normalizer struct {
	bindings *Bindings
	store    *state.Store
	eventBus *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewNormalizer creates a normalizer writing to store and announcing every
// change on eventBus.
func NewNormalizer(bindings *Bindings, store *state.Store, eventBus *events.Bus, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Normalizer{
		bindings: bindings,
		store:    store,
		eventBus: eventBus,
		logger:   logger.With("component", "normalizer"),
		now:      time.Now,
	}
}

// Run dispatches messages until ctx is done or messages is closed.
// Messages are handled one at a time, in arrival order.
func (n *Normalizer) Run(ctx context.Context, messages <-chan bus.Message) {
	n.logger.Debug("Normalizer started", "topics", n.bindings.InboundTopics())
	defer n.logger.Debug("Normalizer stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			n.Handle(msg)
		}
	}
}

// Handle decodes one message and applies it. It reports whether the state
// changed.
func (n *Normalizer) Handle(msg bus.Message) bool {
	binding, ok := n.bindings.Lookup(msg.Topic)
	if !ok {
		metrics.RecordUnknownTopic()
		n.logger.Warn("Unknown topic", "topic", msg.Topic, "size", len(msg.Payload))
		return false
	}

	metrics.RecordBusMessage(msg.Topic)
	n.logger.Debug("Bus message", "topic", msg.Topic, "payload", string(msg.Payload))

	value, err := binding.Decode(msg.Payload)
	if err != nil {
		metrics.RecordDecodeError(msg.Topic)
		n.logger.Warn("Failed to decode payload",
			"topic", msg.Topic,
			"payload", string(msg.Payload),
			"error", err)
	}

	change := n.store.Apply(binding.Field, value, n.now())

	n.eventBus.Publish(events.StateChangedEvent{
		Name:     binding.Event,
		Field:    change.Field,
		Value:    change.Value,
		Revision: change.Revision,
		At:       change.At,
	})

	return true
}
