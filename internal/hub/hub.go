// Package hub fans state changes out to real-time client sessions.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/metrics"
	"github.com/smazurov/blindspot/internal/state"
)

var (
	// ErrSessionClosed is returned when sending to a detached session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer detaches a session whose queue is full.
	ErrSlowConsumer = errors.New("session queue full")
	// ErrHubClosed is returned by Attach after Close.
	ErrHubClosed = errors.New("hub closed")
)

// DefaultSessionBuffer is the per-session queue length.
const DefaultSessionBuffer = 64

// Event is one message to a client.
type Event struct {
	Name string
	Data any
	// Revision is the store revision the event reflects, zero for
	// session-local events such as pong.
	Revision uint64
}

// Sink writes events to one client transport. Send is only ever called from
// the session's writer goroutine.
type Sink interface {
	Send(ev Event) error
}

// Options configures a Hub.
type Options struct {
	SessionBuffer int
}

// Hub owns the set of attached sessions.
type Hub struct {
	store  *state.Store
	buffer int
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// New creates a hub reading snapshots from store.
func New(store *state.Store, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = DefaultSessionBuffer
	}

	return &Hub{
		store:    store,
		buffer:   opts.SessionBuffer,
		logger:   logger.With("component", "hub"),
		sessions: make(map[string]*Session),
	}
}

// Attach registers sink and queues the current snapshot as its first event.
func (h *Hub) Attach(sink Sink) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	s := &Session{
		id:    uuid.NewString(),
		hub:   h,
		sink:  sink,
		queue: make(chan Event, h.buffer),
		done:  make(chan struct{}),
	}

	// The snapshot is taken under the write lock so no broadcast can slip
	// between it and registration.
	s.enqueueLocked(h.snapshotEventLocked(s))
	h.sessions[s.id] = s

	metrics.SessionAttached()
	h.logger.Info("Session attached", "session_id", s.id, "sessions", len(h.sessions))

	go s.writeLoop()
	return s, nil
}

func (h *Hub) snapshotEventLocked(s *Session) Event {
	snap := h.store.Snapshot()
	s.snapshotRev = snap.Revision
	return Event{Name: bridge.EventSystemState, Data: snap, Revision: snap.Revision}
}

// Resync queues a fresh snapshot to s.
func (h *Hub) Resync(s *Session) error {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	ok := s.enqueueLocked(h.snapshotEventLocked(s))
	h.mu.Unlock()

	if !ok {
		h.detach(s, ErrSlowConsumer)
		return ErrSlowConsumer
	}
	return nil
}

// Broadcast queues a fine-grained event to every session whose snapshot
// predates the change.
func (h *Hub) Broadcast(change events.StateChangedEvent) {
	ev := Event{Name: change.Name, Data: change.Value, Revision: change.Revision}

	var slow []*Session

	h.mu.RLock()
	for _, s := range h.sessions {
		if change.Revision != 0 && change.Revision <= s.snapshotRev {
			continue
		}
		if !s.enqueueLocked(ev) {
			slow = append(slow, s)
		}
	}
	n := len(h.sessions)
	h.mu.RUnlock()

	for _, s := range slow {
		h.detach(s, ErrSlowConsumer)
	}

	h.logger.Debug("Broadcast", "event", ev.Name, "revision", ev.Revision, "sessions", n)
}

// Run broadcasts every StateChangedEvent published on eventBus until ctx is
// done.
func (h *Hub) Run(ctx context.Context, eventBus *events.Bus) {
	unsubscribe := eventBus.Subscribe(func(e events.StateChangedEvent) {
		h.Broadcast(e)
	})
	defer unsubscribe()

	<-ctx.Done()
}

// Detach removes s immediately. Events still queued are discarded.
func (h *Hub) Detach(s *Session) {
	h.detach(s, nil)
}

func (h *Hub) detach(s *Session, reason error) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}

	s.close(reason)

	label := "closed"
	switch {
	case errors.Is(reason, ErrSlowConsumer):
		label = "slow"
	case errors.Is(reason, ErrHubClosed):
		label = "shutdown"
	case reason != nil:
		label = "error"
	}
	metrics.SessionDetached(label)

	if reason != nil && label != "shutdown" {
		h.logger.Warn("Session dropped", "session_id", s.id, "reason", reason, "sessions", n)
		return
	}
	h.logger.Info("Session detached", "session_id", s.id, "sessions", n)
}

// Count returns the number of attached sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close detaches every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.detach(s, ErrHubClosed)
	}
	h.logger.Info("Hub closed", "detached", len(sessions))
}
