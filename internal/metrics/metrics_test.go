package metrics

import (
	"errors"
	"sync"
	"testing"
)

func TestRelayGauge(t *testing.T) {
	before := ActiveRelays()

	RelayStarted()
	RelayStarted()
	if got := ActiveRelays() - before; got != 2 {
		t.Errorf("active relays delta = %d, want 2", got)
	}

	RelayFinished()
	RelayFinished()
	if got := ActiveRelays(); got != before {
		t.Errorf("active relays = %d, want %d", got, before)
	}
}

func TestSessionGaugeConcurrent(t *testing.T) {
	before := ActiveSessions()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			SessionAttached()
			RecordHubEvent("system-state")
			SessionDetached("closed")
		}()
	}
	wg.Wait()

	if got := ActiveSessions(); got != before {
		t.Errorf("active sessions = %d, want %d", got, before)
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordBusMessage("a/b")
	RecordUnknownTopic()
	RecordDecodeError("a/b")
	SetBusConnected(true)
	SetBusConnected(false)
	RecordCommand(nil)
	RecordCommand(errors.New("boom"))
	AddRelayBytes(128)
	RecordRelayFailure("connect")
}
