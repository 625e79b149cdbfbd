package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddress returns a loopback address nobody is listening on.
func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message")
		return Message{}
	}
}

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		topic   string
		subject string
	}{
		{"SkripsiFuji/blindspot/sensor/distance", "SkripsiFuji.blindspot.sensor.distance"},
		{"a/+/c", "a.*.c"},
		{"a/#", "a.>"},
		{"single", "single"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := SubjectForTopic(tt.topic); got != tt.subject {
				t.Errorf("SubjectForTopic(%q) = %q, want %q", tt.topic, got, tt.subject)
			}
		})
	}

	if got := TopicForSubject("SkripsiFuji.blindspot.led.status"); got != "SkripsiFuji/blindspot/led/status" {
		t.Errorf("TopicForSubject = %q", got)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "amqp"}, quietLogger())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Expected ErrUnknownDriver, got %v", err)
	}

	if _, err := NewEmbedded("amqp", "", quietLogger()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Expected ErrUnknownDriver from NewEmbedded, got %v", err)
	}
}

func TestNewSelectsDriver(t *testing.T) {
	c, err := New(Config{Driver: "MQTT"}, quietLogger())
	if err != nil {
		t.Fatalf("New mqtt: %v", err)
	}
	if _, ok := c.(*MQTTClient); !ok {
		t.Errorf("Expected *MQTTClient, got %T", c)
	}

	c, err = New(Config{Driver: DriverNATS}, quietLogger())
	if err != nil {
		t.Fatalf("New nats: %v", err)
	}
	if _, ok := c.(*NATSClient); !ok {
		t.Errorf("Expected *NATSClient, got %T", c)
	}
}

func TestClientIDFormat(t *testing.T) {
	id := clientID("blindspot-server")
	if !strings.HasPrefix(id, "blindspot-server-") {
		t.Fatalf("Unexpected prefix: %s", id)
	}
	suffix := strings.TrimPrefix(id, "blindspot-server-")
	if len(suffix) != 8 {
		t.Errorf("Expected 8 character suffix, got %q", suffix)
	}
	if clientID("x") == clientID("x") {
		t.Error("Client IDs should be unique")
	}
}

func TestSplitAddress(t *testing.T) {
	host, port, err := splitAddress(":4333", 4222)
	if err != nil || host != "127.0.0.1" || port != 4333 {
		t.Errorf("splitAddress(:4333) = %s %d %v", host, port, err)
	}

	host, port, err = splitAddress("", 4222)
	if err != nil || host != "127.0.0.1" || port != 4222 {
		t.Errorf("splitAddress(\"\") = %s %d %v", host, port, err)
	}

	if _, _, err := splitAddress("nope", 1); err == nil {
		t.Error("Expected error for address without port")
	}
}

func TestMQTTGracefulDegradation(t *testing.T) {
	var mu sync.Mutex
	var statuses []bool

	client := NewMQTT(Config{
		Broker:         "tcp://" + freeAddress(t),
		Topics:         []string{"a/b"},
		ConnectTimeout: 200 * time.Millisecond,
		OnStatus: func(connected bool, _ error) {
			mu.Lock()
			statuses = append(statuses, connected)
			mu.Unlock()
		},
	}, quietLogger())

	start := time.Now()
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start should not fail for unreachable broker: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Start blocked for %v", elapsed)
	}

	if client.IsConnected() {
		t.Error("Client should not be connected")
	}
	if err := client.Publish("a/b", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	_ = client.Close()
	_ = client.Close()

	mu.Lock()
	defer mu.Unlock()
	for _, s := range statuses {
		if s {
			t.Error("Status should never report connected")
		}
	}
}

func startMQTTBroker(t *testing.T) *EmbeddedMQTT {
	t.Helper()
	broker := NewEmbeddedMQTT(freeAddress(t), quietLogger())
	if err := broker.Start(); err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}
	t.Cleanup(broker.Stop)
	return broker
}

func TestMQTTSubscribeAndReceiveInOrder(t *testing.T) {
	broker := startMQTTBroker(t)

	connected := make(chan struct{}, 1)
	client := NewMQTT(Config{
		Broker: broker.URL(),
		Topics: []string{"dev/distance", "dev/led"},
		OnStatus: func(c bool, _ error) {
			if c {
				connected <- struct{}{}
			}
		},
	}, quietLogger())
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Client never connected")
	}
	if !client.IsConnected() {
		t.Fatal("IsConnected should be true after status callback")
	}

	const n = 40
	for i := 0; i < n; i++ {
		topic := "dev/distance"
		if i%2 == 1 {
			topic = "dev/led"
		}
		if err := broker.Publish(topic, []byte(fmt.Sprint(i)), false); err != nil {
			t.Fatalf("Inline publish: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		msg := receive(t, client.Messages())
		if string(msg.Payload) != fmt.Sprint(i) {
			t.Fatalf("Message %d out of order: got payload %q on %s", i, msg.Payload, msg.Topic)
		}
		if msg.Received.IsZero() {
			t.Error("Received time should be set")
		}
	}
}

func TestMQTTPublish(t *testing.T) {
	broker := startMQTTBroker(t)

	got := make(chan string, 1)
	if err := broker.Subscribe("dev/commands", func(topic string, payload []byte) {
		got <- topic + " " + string(payload)
	}); err != nil {
		t.Fatalf("Inline subscribe: %v", err)
	}

	client := NewMQTT(Config{Broker: broker.URL()}, quietLogger())
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Close()
	waitFor(t, 5*time.Second, client.IsConnected, "mqtt connection")

	if err := client.Publish("dev/commands", []byte(`{"action":"on"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg != `dev/commands {"action":"on"}` {
			t.Errorf("Unexpected message: %s", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Broker never received the command")
	}
}

func TestMQTTReconnectRestoresSubscriptions(t *testing.T) {
	addr := freeAddress(t)
	broker := NewEmbeddedMQTT(addr, quietLogger())
	if err := broker.Start(); err != nil {
		t.Fatalf("Start broker: %v", err)
	}

	client := NewMQTT(Config{
		Broker:               broker.URL(),
		Topics:               []string{"dev/led"},
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectInterval: 100 * time.Millisecond,
	}, quietLogger())
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Close()
	waitFor(t, 5*time.Second, client.IsConnected, "initial connection")

	broker.Stop()
	waitFor(t, 5*time.Second, func() bool { return !client.IsConnected() }, "connection loss")

	broker = NewEmbeddedMQTT(addr, quietLogger())
	if err := broker.Start(); err != nil {
		t.Fatalf("Restart broker: %v", err)
	}
	defer broker.Stop()
	waitFor(t, 10*time.Second, client.IsConnected, "reconnection")

	if err := broker.Publish("dev/led", []byte("ON"), false); err != nil {
		t.Fatalf("Inline publish: %v", err)
	}
	if msg := receive(t, client.Messages()); string(msg.Payload) != "ON" {
		t.Errorf("Expected ON after reconnect, got %q", msg.Payload)
	}
}

func startNATSServer(t *testing.T) *EmbeddedNATS {
	t.Helper()
	srv := NewEmbeddedNATS(EmbeddedNATSOptions{Name: "test-server", Logger: quietLogger()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestNATSRoundTrip(t *testing.T) {
	srv := startNATSServer(t)

	subscriber := NewNATS(Config{
		Broker: srv.URL(),
		Topics: []string{"dev/distance", "dev/commands"},
	}, quietLogger())
	if err := subscriber.Start(context.Background()); err != nil {
		t.Fatalf("Start subscriber: %v", err)
	}
	defer subscriber.Close()

	publisher := NewNATS(Config{Broker: srv.URL()}, quietLogger())
	if err := publisher.Start(context.Background()); err != nil {
		t.Fatalf("Start publisher: %v", err)
	}
	defer publisher.Close()

	waitFor(t, 5*time.Second, func() bool {
		return subscriber.IsConnected() && publisher.IsConnected()
	}, "nats connections")

	if srv.NumClients() != 2 {
		t.Errorf("Expected 2 clients, got %d", srv.NumClients())
	}

	if err := publisher.Publish("dev/distance", []byte(`{"distance_cm":12}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := receive(t, subscriber.Messages())
	if msg.Topic != "dev/distance" {
		t.Errorf("Expected topic dev/distance, got %s", msg.Topic)
	}
	if string(msg.Payload) != `{"distance_cm":12}` {
		t.Errorf("Unexpected payload %q", msg.Payload)
	}
}

func TestNATSGracefulDegradation(t *testing.T) {
	client := NewNATS(Config{
		Broker:         "nats://" + freeAddress(t),
		Topics:         []string{"a/b"},
		ConnectTimeout: 200 * time.Millisecond,
	}, quietLogger())

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start should retry in background, got %v", err)
	}
	if client.IsConnected() {
		t.Error("Client should not be connected")
	}
	if err := client.Publish("a/b", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	_ = client.Close()
}

func TestEmbeddedMQTTURL(t *testing.T) {
	b := NewEmbeddedMQTT(":18830", quietLogger())
	if got := b.URL(); got != "tcp://127.0.0.1:18830" {
		t.Errorf("URL() = %s", got)
	}
	if err := b.Publish("x", nil, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish before Start should fail, got %v", err)
	}
}
