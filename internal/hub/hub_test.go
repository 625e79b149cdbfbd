package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/state"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink collects events. block, when set, stalls Send until closed.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
	got    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 1024)}
}

func (r *recordingSink) Send(ev Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	err := r.err
	r.mu.Unlock()
	r.got <- struct{}{}
	return err
}

func (r *recordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingSink) waitN(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(r.Events()) < n {
		select {
		case <-r.got:
		case <-deadline:
			t.Fatalf("Timed out: have %d events, want %d", len(r.Events()), n)
		}
	}
	return r.Events()
}

func apply(store *state.Store, field state.Field, value any) events.StateChangedEvent {
	c := store.Apply(field, value, time.Now())
	return events.StateChangedEvent{
		Name:     bridge.EventName(field),
		Field:    c.Field,
		Value:    c.Value,
		Revision: c.Revision,
		At:       c.At,
	}
}

func TestAttachSendsSnapshotFirst(t *testing.T) {
	store := state.NewStore()
	store.Apply(state.FieldLEDStatus, "ON", time.Now())

	h := New(store, Options{}, quietLogger())
	sink := newRecordingSink()
	s, err := h.Attach(sink)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Close()

	got := sink.waitN(t, 1)
	if got[0].Name != bridge.EventSystemState {
		t.Fatalf("First event = %s, want system-state", got[0].Name)
	}
	snap, ok := got[0].Data.(state.Snapshot)
	if !ok {
		t.Fatalf("Snapshot data has type %T", got[0].Data)
	}
	if snap.LEDStatus != "ON" || snap.SensorStatus != state.DefaultSensorStatus {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if h.Count() != 1 {
		t.Errorf("Count = %d, want 1", h.Count())
	}
}

func TestBroadcastOrderAcrossSessions(t *testing.T) {
	store := state.NewStore()
	h := New(store, Options{SessionBuffer: 256}, quietLogger())

	sinks := []*recordingSink{newRecordingSink(), newRecordingSink(), newRecordingSink()}
	for _, sink := range sinks {
		s, err := h.Attach(sink)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		defer s.Close()
	}

	const n = 100
	for i := 1; i <= n; i++ {
		d := float64(i)
		h.Broadcast(apply(store, state.FieldDistance, &d))
	}

	for idx, sink := range sinks {
		got := sink.waitN(t, n+1)
		if got[0].Name != bridge.EventSystemState {
			t.Fatalf("sink %d: first event %s", idx, got[0].Name)
		}
		for i := 1; i <= n; i++ {
			ev := got[i]
			if ev.Name != bridge.EventDistance {
				t.Fatalf("sink %d: event %d name %s", idx, i, ev.Name)
			}
			if v := ev.Data.(*float64); *v != float64(i) {
				t.Fatalf("sink %d: event %d value %v, want %d", idx, i, *v, i)
			}
		}
	}
}

func TestBroadcastSkipsChangesCoveredBySnapshot(t *testing.T) {
	store := state.NewStore()
	h := New(store, Options{}, quietLogger())

	// Applied but not yet broadcast when the session attaches.
	early := apply(store, state.FieldCameraStatus, "online")

	sink := newRecordingSink()
	s, err := h.Attach(sink)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Close()

	h.Broadcast(early)
	late := apply(store, state.FieldCameraStatus, "offline")
	h.Broadcast(late)

	sink.waitN(t, 2)
	time.Sleep(50 * time.Millisecond)
	got := sink.Events()

	if len(got) != 2 {
		t.Fatalf("Expected snapshot and one change, got %d events: %+v", len(got), got)
	}
	if snap := got[0].Data.(state.Snapshot); snap.CameraStatus != "online" {
		t.Errorf("Snapshot camera = %s", snap.CameraStatus)
	}
	if got[1].Data != "offline" || got[1].Revision != late.Revision {
		t.Errorf("Unexpected change %+v", got[1])
	}
}

func TestConcurrentAttachNeverMissesOrDuplicates(t *testing.T) {
	store := state.NewStore()
	h := New(store, Options{SessionBuffer: 1024}, quietLogger())

	const n = 300
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= n; i++ {
			d := float64(i)
			h.Broadcast(apply(store, state.FieldDistance, &d))
		}
	}()

	var sinks []*recordingSink
	for i := 0; i < 10; i++ {
		sink := newRecordingSink()
		s, err := h.Attach(sink)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		defer s.Close()
		sinks = append(sinks, sink)
	}
	<-done

	for idx, sink := range sinks {
		// Wait until the final value has been delivered.
		deadline := time.Now().Add(2 * time.Second)
		for {
			evs := sink.Events()
			if len(evs) > 0 && evs[len(evs)-1].Revision == uint64(n) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("sink %d never saw revision %d", idx, n)
			}
			time.Sleep(5 * time.Millisecond)
		}

		evs := sink.Events()
		if evs[0].Name != bridge.EventSystemState {
			t.Fatalf("sink %d: first event %s", idx, evs[0].Name)
		}
		rev := evs[0].Revision
		for _, ev := range evs[1:] {
			if ev.Revision != rev+1 {
				t.Fatalf("sink %d: revision %d after %d", idx, ev.Revision, rev)
			}
			rev = ev.Revision
		}
	}
}

func TestSinkErrorDetaches(t *testing.T) {
	h := New(state.NewStore(), Options{}, quietLogger())
	sink := newRecordingSink()
	sink.err = errors.New("broken pipe")

	s, err := h.Attach(sink)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session not detached after sink error")
	}

	if h.Count() != 0 {
		t.Errorf("Count = %d, want 0", h.Count())
	}
	if s.Err() == nil || s.Err().Error() != "broken pipe" {
		t.Errorf("Err = %v", s.Err())
	}
	if err := s.Send(Event{Name: "pong"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after detach = %v", err)
	}
}

func TestSlowConsumerIsDetachedOthersUnaffected(t *testing.T) {
	store := state.NewStore()
	h := New(store, Options{SessionBuffer: 4}, quietLogger())

	slow := newRecordingSink()
	slow.block = make(chan struct{})
	defer close(slow.block)
	slowSession, err := h.Attach(slow)
	if err != nil {
		t.Fatalf("Attach slow: %v", err)
	}

	fast := newRecordingSink()
	fastSession, err := h.Attach(fast)
	if err != nil {
		t.Fatalf("Attach fast: %v", err)
	}
	defer fastSession.Close()

	for i := 0; i < 10; i++ {
		h.Broadcast(apply(store, state.FieldLEDStatus, "ON"))
		fast.waitN(t, i+2)
	}

	select {
	case <-slowSession.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Slow session not detached")
	}
	if !errors.Is(slowSession.Err(), ErrSlowConsumer) {
		t.Errorf("Err = %v, want ErrSlowConsumer", slowSession.Err())
	}
	if h.Count() != 1 {
		t.Errorf("Count = %d, want 1", h.Count())
	}
}

func TestDetachRemovesImmediately(t *testing.T) {
	store := state.NewStore()
	h := New(store, Options{}, quietLogger())

	sink := newRecordingSink()
	s, _ := h.Attach(sink)
	sink.waitN(t, 1)

	s.Close()
	s.Close()

	if h.Count() != 0 {
		t.Fatalf("Count = %d, want 0", h.Count())
	}
	if s.Err() != nil {
		t.Errorf("Normal close should have nil Err, got %v", s.Err())
	}

	h.Broadcast(apply(store, state.FieldLEDStatus, "ON"))
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.Events()); n != 1 {
		t.Errorf("Detached session received %d events", n)
	}
}

func TestResyncAndSessionSend(t *testing.T) {
	store := state.NewStore()
	h := New(store, Options{}, quietLogger())

	sink := newRecordingSink()
	s, _ := h.Attach(sink)
	defer s.Close()

	store.Apply(state.FieldSensorStatus, "online", time.Now())
	if err := h.Resync(s); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if err := s.Send(Event{Name: "pong", Data: map[string]string{"timestamp": "now"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := sink.waitN(t, 3)
	if got[1].Name != bridge.EventSystemState || got[1].Data.(state.Snapshot).SensorStatus != "online" {
		t.Errorf("Unexpected resync event %+v", got[1])
	}
	if got[2].Name != "pong" {
		t.Errorf("Expected pong, got %s", got[2].Name)
	}
}

func TestRunSubscribesToEventBus(t *testing.T) {
	store := state.NewStore()
	eventBus := events.New()
	h := New(store, Options{}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx, eventBus)
		close(stopped)
	}()

	sink := newRecordingSink()
	s, _ := h.Attach(sink)
	defer s.Close()
	sink.waitN(t, 1)

	// Run subscribes asynchronously; publish until it is delivered.
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Events()) < 2 && time.Now().Before(deadline) {
		eventBus.Publish(apply(store, state.FieldLEDStatus, "ON"))
		time.Sleep(20 * time.Millisecond)
	}
	if len(sink.Events()) < 2 {
		t.Fatal("Event from bus never reached session")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCloseRejectsNewSessions(t *testing.T) {
	h := New(state.NewStore(), Options{}, quietLogger())

	s, _ := h.Attach(newRecordingSink())
	h.Close()
	h.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Session not detached by Close")
	}
	if !errors.Is(s.Err(), ErrHubClosed) {
		t.Errorf("Err = %v", s.Err())
	}
	if _, err := h.Attach(newRecordingSink()); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Attach after Close = %v", err)
	}
}
