package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the paho-backed bus driver.
// Gracefully degrades when the broker is unavailable.
type MQTTClient struct {
	cfg      Config
	id       string
	client   mqtt.Client
	messages chan Message
	done     chan struct{}
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
	closeOnce sync.Once
}

// NewMQTT creates an MQTT client. Call Start to connect.
func NewMQTT(cfg Config, logger *slog.Logger) *MQTTClient {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	id := clientID(cfg.ClientIDPrefix)

	return &MQTTClient{
		cfg:      cfg,
		id:       id,
		messages: make(chan Message, cfg.BufferSize),
		done:     make(chan struct{}),
		logger:   logger.With("component", "mqtt-client", "client_id", id),
	}
}

// ClientID returns the identifier presented to the broker.
func (c *MQTTClient) ClientID() string {
	return c.id
}

// Start begins connecting. It returns nil when the broker is unreachable;
// paho keeps retrying in the background.
func (c *MQTTClient) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.id)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectInterval)
	opts.SetMaxReconnectInterval(c.cfg.MaxReconnectInterval)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)

	// Clean sessions drop subscriptions, so they are restored on every connect.
	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Debug("Reconnecting to MQTT broker", "broker", c.cfg.Broker)
	}

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("Connecting to MQTT broker", "broker", c.cfg.Broker)

	token := client.Connect()
	wait := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
	}

	if !token.WaitTimeout(wait) {
		c.logger.Warn("MQTT broker unreachable, retrying in background",
			"broker", c.cfg.Broker,
			"max_retry_interval", c.cfg.MaxReconnectInterval)
		return nil
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("Failed to connect to MQTT broker, running in offline mode", "error", err)
	}

	return nil
}

// onConnect restores subscriptions before reporting the connection up, so
// IsConnected implies the topics are subscribed.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connection established", "broker", c.cfg.Broker)
	c.subscribe(client)
	c.setConnected(true, nil)
}

func (c *MQTTClient) subscribe(client mqtt.Client) {
	if len(c.cfg.Topics) == 0 {
		return
	}

	filters := make(map[string]byte, len(c.cfg.Topics))
	for _, topic := range c.cfg.Topics {
		filters[topic] = 0
	}

	token := client.SubscribeMultiple(filters, c.handle)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		c.logger.Warn("MQTT subscribe timed out", "topics", c.cfg.Topics)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("MQTT subscribe failed", "topics", c.cfg.Topics, "error", err)
		return
	}

	c.logger.Debug("Subscribed to topics", "topics", c.cfg.Topics)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.setConnected(false, err)
	c.logger.Warn("MQTT connection lost, will auto-reconnect",
		"error", err,
		"broker", c.cfg.Broker)
}

// handle runs on paho's router goroutine. With OrderMatters set, blocking
// here applies backpressure instead of reordering.
func (c *MQTTClient) handle(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case c.messages <- Message{Topic: msg.Topic(), Payload: payload, Received: time.Now()}:
	case <-c.done:
	}
}

func (c *MQTTClient) setConnected(connected bool, err error) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()

	if changed && c.cfg.OnStatus != nil {
		c.cfg.OnStatus(connected, err)
	}
}

// Messages returns the inbound message channel.
func (c *MQTTClient) Messages() <-chan Message {
	return c.messages
}

// Publish sends payload at QoS 0 and waits up to PublishTimeout.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}

	return nil
}

// IsConnected returns true if the broker connection is up.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnectionOpen()
}

// Close disconnects with a 250ms grace period.
func (c *MQTTClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.RLock()
		client := c.client
		c.mu.RUnlock()

		if client != nil {
			client.Disconnect(250)
		}
		c.setConnected(false, nil)
		c.logger.Debug("MQTT client closed")
	})
	return nil
}
