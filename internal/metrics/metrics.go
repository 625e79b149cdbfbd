// Package metrics provides Prometheus metrics for the bridge, hub and relay.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blindspot"

var (
	busMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Inbound bus messages per bound topic",
	}, []string{"topic"})

	busUnknownTopics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "unknown_topic_messages_total",
		Help:      "Inbound messages discarded because the topic is not bound",
	})

	busDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "decode_errors_total",
		Help:      "Inbound payloads that failed to decode",
	}, []string{"topic"})

	busConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "connected",
		Help:      "1 when the bus connection is up",
	})

	commandsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "published_total",
		Help:      "Commands published to the outbound topic",
	})

	commandsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "failed_total",
		Help:      "Commands whose publish failed",
	})

	hubSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "sessions",
		Help:      "Currently attached real-time sessions",
	})

	hubDroppedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "dropped_sessions_total",
		Help:      "Sessions removed by the hub, by reason",
	}, []string{"reason"})

	hubEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "events_total",
		Help:      "Events queued to sessions, by event name",
	}, []string{"event"})

	relayActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "active",
		Help:      "In-flight camera stream relays",
	})

	relayBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "bytes_total",
		Help:      "Bytes relayed from the camera to clients",
	})

	relayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "failures_total",
		Help:      "Relay failures, by stage",
	}, []string{"stage"})

	// Local copies for the status endpoint.
	activeRelays   atomic.Int64
	activeSessions atomic.Int64
)

// RecordBusMessage counts one inbound message on a bound topic.
func RecordBusMessage(topic string) {
	busMessages.WithLabelValues(topic).Inc()
}

// RecordUnknownTopic counts one discarded message.
func RecordUnknownTopic() {
	busUnknownTopics.Inc()
}

// RecordDecodeError counts one malformed payload.
func RecordDecodeError(topic string) {
	busDecodeErrors.WithLabelValues(topic).Inc()
}

// SetBusConnected mirrors bus connectivity.
func SetBusConnected(connected bool) {
	if connected {
		busConnected.Set(1)
		return
	}
	busConnected.Set(0)
}

// RecordCommand counts one command publish attempt.
func RecordCommand(err error) {
	if err != nil {
		commandsFailed.Inc()
		return
	}
	commandsPublished.Inc()
}

// SessionAttached increments the session gauge.
func SessionAttached() {
	activeSessions.Add(1)
	hubSessions.Inc()
}

// SessionDetached decrements the session gauge and records why.
func SessionDetached(reason string) {
	activeSessions.Add(-1)
	hubSessions.Dec()
	hubDroppedSessions.WithLabelValues(reason).Inc()
}

// RecordHubEvent counts one event queued to a session.
func RecordHubEvent(name string) {
	hubEvents.WithLabelValues(name).Inc()
}

// RelayStarted increments the active relay gauge.
func RelayStarted() {
	activeRelays.Add(1)
	relayActive.Inc()
}

// RelayFinished decrements the active relay gauge.
func RelayFinished() {
	activeRelays.Add(-1)
	relayActive.Dec()
}

// AddRelayBytes counts relayed bytes.
func AddRelayBytes(n int) {
	relayBytes.Add(float64(n))
}

// RecordRelayFailure counts a failure at stage ("connect", "copy").
func RecordRelayFailure(stage string) {
	relayFailures.WithLabelValues(stage).Inc()
}

// ActiveRelays returns the number of in-flight relays.
func ActiveRelays() int64 {
	return activeRelays.Load()
}

// ActiveSessions returns the number of attached sessions.
func ActiveSessions() int64 {
	return activeSessions.Load()
}
