package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectForTopic maps an MQTT topic or filter to a NATS subject.
// Levels are separated by '.', '+' becomes '*' and '#' becomes '>'.
func SubjectForTopic(topic string) string {
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// TopicForSubject maps a concrete NATS subject back to an MQTT topic.
func TopicForSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// NATSClient is the nats.go-backed bus driver.
// Gracefully degrades when the server is unavailable.
type NATSClient struct {
	cfg      Config
	id       string
	messages chan Message
	done     chan struct{}
	logger   *slog.Logger

	mu        sync.RWMutex
	conn      *nats.Conn
	subs      []*nats.Subscription
	connected bool
	closeOnce sync.Once
}

// NewNATS creates a NATS client. Call Start to connect.
func NewNATS(cfg Config, logger *slog.Logger) *NATSClient {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	id := clientID(cfg.ClientIDPrefix)

	return &NATSClient{
		cfg:      cfg,
		id:       id,
		messages: make(chan Message, cfg.BufferSize),
		done:     make(chan struct{}),
		logger:   logger.With("component", "nats-client", "client_id", id),
	}
}

// Start connects and subscribes the configured topics. Subscriptions made
// while the server is down are sent once the connection comes up.
func (c *NATSClient) Start(_ context.Context) error {
	opts := []nats.Option{
		nats.Name(c.id),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.ReconnectWait(c.cfg.ReconnectInterval),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(_ *nats.Conn) {
			c.setConnected(true, nil)
			c.logger.Info("NATS connected", "url", c.cfg.Broker)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setConnected(false, err)
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			} else {
				c.logger.Debug("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.setConnected(true, nil)
			c.logger.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(c.cfg.Broker, opts...)
	if err != nil {
		c.logger.Warn("Failed to connect to NATS, running in offline mode", "error", err)
		return fmt.Errorf("nats connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	for _, topic := range c.cfg.Topics {
		subject := SubjectForTopic(topic)
		sub, err := conn.Subscribe(subject, c.handle)
		if err != nil {
			c.logger.Warn("Failed to subscribe", "subject", subject, "error", err)
			continue
		}
		c.subs = append(c.subs, sub)
	}
	subscribed := len(c.subs)
	c.mu.Unlock()

	if conn.IsConnected() {
		if err := conn.FlushTimeout(c.cfg.ConnectTimeout); err != nil {
			c.logger.Warn("NATS flush after subscribe failed", "error", err)
		}
		c.setConnected(true, nil)
	}

	c.logger.Info("NATS client started", "url", c.cfg.Broker, "subjects", subscribed)
	return nil
}

func (c *NATSClient) handle(msg *nats.Msg) {
	select {
	case c.messages <- Message{Topic: TopicForSubject(msg.Subject), Payload: msg.Data, Received: time.Now()}:
	case <-c.done:
	}
}

func (c *NATSClient) setConnected(connected bool, err error) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()

	if changed && c.cfg.OnStatus != nil {
		c.cfg.OnStatus(connected, err)
	}
}

// Messages returns the inbound message channel.
func (c *NATSClient) Messages() <-chan Message {
	return c.messages
}

// Publish sends payload on the subject mapped from topic.
func (c *NATSClient) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	if err := conn.Publish(SubjectForTopic(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns true if connected to NATS.
func (c *NATSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && c.conn.IsConnected()
}

// Close unsubscribes and closes the connection.
func (c *NATSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
		c.subs = nil
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		c.setConnected(false, nil)
		c.logger.Debug("NATS client closed")
	})
	return nil
}
