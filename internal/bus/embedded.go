package bus

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/nats-io/nats-server/v2/server"
)

// Broker is an in-process message broker.
type Broker interface {
	Start() error
	Stop()
	// URL is the broker URL clients should dial.
	URL() string
}

// NewEmbedded creates an embedded broker for driver listening on address.
func NewEmbedded(driver, address string, logger *slog.Logger) (Broker, error) {
	switch strings.ToLower(driver) {
	case DriverMQTT:
		return NewEmbeddedMQTT(address, logger), nil
	case DriverNATS:
		host, port, err := splitAddress(address, 4222)
		if err != nil {
			return nil, err
		}
		return NewEmbeddedNATS(EmbeddedNATSOptions{Host: host, Port: port, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func splitAddress(address string, defaultPort int) (string, int, error) {
	if address == "" {
		return "127.0.0.1", defaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid broker address %q: %w", address, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid broker port %q: %w", portStr, err)
	}
	return host, port, nil
}

// EmbeddedMQTT wraps a mochi-mqtt server with a single TCP listener.
type EmbeddedMQTT struct {
	address string
	logger  *slog.Logger

	mu     sync.Mutex
	server *mqtt.Server
	subID  int
}

// NewEmbeddedMQTT creates an embedded MQTT broker. An empty address means
// 127.0.0.1:1883.
func NewEmbeddedMQTT(address string, logger *slog.Logger) *EmbeddedMQTT {
	if address == "" {
		address = "127.0.0.1:1883"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &EmbeddedMQTT{
		address: address,
		logger:  logger.With("component", "mqtt-broker"),
	}
}

// Start binds the listener and starts serving.
func (b *EmbeddedMQTT) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		return nil
	}

	// Inline client enables direct publish and subscribe from this process.
	srv := mqtt.New(&mqtt.Options{InlineClient: true})
	srv.Log = b.logger

	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "blindspot-tcp", Address: b.address})
	if err := srv.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.address, err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			b.logger.Error("MQTT broker stopped", "error", err)
		}
	}()

	b.server = srv
	b.logger.Info("MQTT broker started", "url", b.urlLocked())
	return nil
}

// Stop closes all listeners and client connections.
func (b *EmbeddedMQTT) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		b.logger.Info("Stopping MQTT broker")
		_ = b.server.Close()
		b.server = nil
	}
}

// URL returns tcp://host:port.
func (b *EmbeddedMQTT) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.urlLocked()
}

func (b *EmbeddedMQTT) urlLocked() string {
	host, port, err := net.SplitHostPort(b.address)
	if err != nil {
		return "tcp://" + b.address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}

// Publish injects a message as if a device had sent it.
func (b *EmbeddedMQTT) Publish(topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	srv := b.server
	b.mu.Unlock()

	if srv == nil {
		return ErrNotConnected
	}
	return srv.Publish(topic, payload, retain, 0)
}

// Subscribe registers an inline subscription on filter.
func (b *EmbeddedMQTT) Subscribe(filter string, fn func(topic string, payload []byte)) error {
	b.mu.Lock()
	srv := b.server
	b.subID++
	id := b.subID
	b.mu.Unlock()

	if srv == nil {
		return ErrNotConnected
	}
	return srv.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
}

// EmbeddedNATSOptions configures the embedded NATS server.
type EmbeddedNATSOptions struct {
	Port   int
	Host   string
	Name   string
	Logger *slog.Logger
}

// EmbeddedNATS wraps an embedded NATS server.
type EmbeddedNATS struct {
	ns     *server.Server
	opts   EmbeddedNATSOptions
	logger *slog.Logger
}

// NewEmbeddedNATS creates an embedded NATS server. Port 0 picks a random port.
func NewEmbeddedNATS(opts EmbeddedNATSOptions) *EmbeddedNATS {
	if opts.Port == 0 {
		opts.Port = server.RANDOM_PORT
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Name == "" {
		opts.Name = "blindspot"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EmbeddedNATS{
		opts:   opts,
		logger: logger.With("component", "nats-server"),
	}
}

// Start starts the server and waits for it to accept connections.
func (s *EmbeddedNATS) Start() error {
	nsOpts := &server.Options{
		Host:           s.opts.Host,
		Port:           s.opts.Port,
		ServerName:     s.opts.Name,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		MaxPayload:     1024 * 1024,
	}

	ns, err := server.NewServer(nsOpts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("NATS server failed to start within 5 seconds")
	}

	s.ns = ns
	s.logger.Info("NATS server started", "url", s.URL())
	return nil
}

// Stop shuts the server down and waits for it to exit.
func (s *EmbeddedNATS) Stop() {
	if s.ns != nil {
		s.logger.Info("Stopping NATS server")
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
		s.ns = nil
	}
}

// URL returns the URL clients should use to connect.
func (s *EmbeddedNATS) URL() string {
	if s.ns == nil {
		return fmt.Sprintf("nats://%s:%d", s.opts.Host, s.opts.Port)
	}
	return s.ns.ClientURL()
}

// NumClients returns the number of connected clients.
func (s *EmbeddedNATS) NumClients() int {
	if s.ns == nil {
		return 0
	}
	return s.ns.NumClients()
}
