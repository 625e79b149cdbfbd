package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Supported drivers.
const (
	DriverMQTT = "mqtt"
	DriverNATS = "nats"
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("bus not connected")
	// ErrUnknownDriver is returned by New for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown bus driver")
	// ErrPublishTimeout is returned when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("publish timeout")
)

// Message is one inbound bus message.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// StatusFunc is called on every connectivity change. err is set on loss.
type StatusFunc func(connected bool, err error)

// Client is a messaging bus connection.
type Client interface {
	// Start connects in the background and subscribes the configured topics.
	Start(ctx context.Context) error
	// Messages delivers inbound messages in arrival order.
	Messages() <-chan Message
	// Publish sends one message. It does not retry.
	Publish(topic string, payload []byte) error
	// IsConnected reports current broker connectivity.
	IsConnected() bool
	// Close disconnects from the broker.
	Close() error
}

// Config holds settings shared by all drivers.
type Config struct {
	Driver               string
	Broker               string
	ClientIDPrefix       string
	Topics               []string
	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	BufferSize           int
	OnStatus             StatusFunc
}

// DefaultConfig returns the settings used by the original deployment.
func DefaultConfig() Config {
	return Config{
		Driver:               DriverMQTT,
		Broker:               "tcp://test.mosquitto.org:1883",
		ClientIDPrefix:       "blindspot-server",
		ConnectTimeout:       4 * time.Second,
		PublishTimeout:       2 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: 30 * time.Second,
		BufferSize:           256,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	if c.Broker == "" {
		c.Broker = def.Broker
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = def.ClientIDPrefix
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	return c
}

// New creates a client for cfg.Driver.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	switch strings.ToLower(cfg.Driver) {
	case DriverMQTT:
		return NewMQTT(cfg, logger), nil
	case DriverNATS:
		return NewNATS(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// clientID builds "<prefix>-<8 hex chars>".
func clientID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:8]
}
