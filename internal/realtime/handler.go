package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smazurov/blindspot/internal/hub"
)

// Client event names.
const (
	EventCommand         = "mqtt-command"
	EventPing            = "ping"
	EventPong            = "pong"
	EventGetInitialState = "get-initial-state"
)

// Envelope is one websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PongData answers a ping.
type PongData struct {
	Timestamp string `json:"timestamp"`
}

// Commander forwards client commands to the bus.
type Commander interface {
	Forward(ctx context.Context, command any, source string)
}

// Options configures keepalive timing.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// DefaultOptions returns the production keepalive settings.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Handler upgrades requests to websocket sessions on a hub.
type Handler struct {
	hub      *hub.Hub
	commands Commander
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the /ws handler.
func NewHandler(h *hub.Hub, commands Commander, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}

	return &Handler{
		hub:      h,
		commands: commands,
		opts:     opts,
		upgrader: websocket.Upgrader{
			// The dashboard may be served from another origin.
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "websocket"),
	}
}

// connSink writes hub events to one websocket connection.
type connSink struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (c *connSink) Send(ev hub.Event) error {
	data, err := json.Marshal(outbound{Event: ev.Name, Data: ev.Data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ServeHTTP runs one session until either side closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sink := &connSink{conn: conn, writeWait: h.opts.WriteWait}
	session, err := h.hub.Attach(sink)
	if err != nil {
		h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer session.Close()

	logger := h.logger.With("session_id", session.ID(), "remote", r.RemoteAddr)
	logger.Info("Client connected")

	readDone := make(chan struct{})
	go h.keepalive(conn, session, readDone)

	h.readLoop(r.Context(), conn, session, logger)
	close(readDone)

	logger.Info("Client disconnected")
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, session *hub.Session, logger *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("Websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("Ignoring malformed frame", "error", err)
			continue
		}

		switch env.Event {
		case EventCommand:
			var command any = env.Data
			if len(env.Data) == 0 {
				command = nil
			}
			h.commands.Forward(ctx, command, session.ID())
		case EventPing:
			pong := PongData{Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")}
			if err := session.Send(hub.Event{Name: EventPong, Data: pong}); err != nil {
				return
			}
		case EventGetInitialState:
			if err := h.hub.Resync(session); err != nil {
				return
			}
		default:
			logger.Debug("Ignoring unknown event", "event", env.Event)
		}
	}
}

// keepalive pings the client and closes the connection once the hub drops
// the session, which unblocks the read loop.
func (h *Handler) keepalive(conn *websocket.Conn, session *hub.Session, readDone <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-session.Done():
			if session.Err() != nil {
				h.closeWith(conn, websocket.CloseGoingAway, session.Err().Error())
			}
			_ = conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteWait))
}
