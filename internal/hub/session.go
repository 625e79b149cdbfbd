package hub

import (
	"sync"

	"github.com/smazurov/blindspot/internal/metrics"
)

// Session is one attached client. Events reach the sink in queue order from
// a single writer goroutine.
type Session struct {
	id    string
	hub   *Hub
	sink  Sink
	queue chan Event
	done  chan struct{}

	// snapshotRev is guarded by hub.mu.
	snapshotRev uint64

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Send queues a session-local event, e.g. a pong.
func (s *Session) Send(ev Event) error {
	s.hub.mu.RLock()
	_, attached := s.hub.sessions[s.id]
	ok := attached && s.enqueueLocked(ev)
	s.hub.mu.RUnlock()

	switch {
	case !attached:
		return ErrSessionClosed
	case !ok:
		s.hub.detach(s, ErrSlowConsumer)
		return ErrSlowConsumer
	}
	return nil
}

// Done is closed when the session is detached.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session was detached, nil for a normal close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the session from its hub.
func (s *Session) Close() {
	s.hub.Detach(s)
}

// enqueueLocked never blocks; false means the queue is full. The caller
// holds hub.mu so queue order matches revision order across senders.
func (s *Session) enqueueLocked(ev Event) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			// Detach wins over queued events.
			select {
			case <-s.done:
				return
			default:
			}

			if err := s.sink.Send(ev); err != nil {
				s.hub.detach(s, err)
				return
			}
			metrics.RecordHubEvent(ev.Name)
		}
	}
}
