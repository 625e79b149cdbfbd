package state

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestNewStoreDefaults(t *testing.T) {
	snap := NewStore().Snapshot()

	if snap.Distance != nil {
		t.Errorf("Distance = %v, want nil", *snap.Distance)
	}
	if snap.LEDStatus != "OFF" || snap.SensorStatus != "OFFLINE" || snap.CameraStatus != "OFFLINE" {
		t.Errorf("unexpected defaults: %+v", snap)
	}
	if snap.LastUpdate != nil {
		t.Error("LastUpdate should be nil before any mutation")
	}
	if snap.Revision != 0 {
		t.Errorf("Revision = %d, want 0", snap.Revision)
	}
}

func TestSnapshotJSON(t *testing.T) {
	data, err := json.Marshal(NewStore().Snapshot())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `{"distance":null,"ledStatus":"OFF","sensorStatus":"OFFLINE","cameraStatus":"OFFLINE","lastUpdate":null}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestApply(t *testing.T) {
	store := NewStore()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := 42.5

	change := store.Apply(FieldDistance, &d, at)
	if change.Revision != 1 || change.Field != FieldDistance {
		t.Errorf("unexpected change: %+v", change)
	}
	if got, ok := change.Value.(*float64); !ok || got == nil || *got != 42.5 {
		t.Errorf("change value = %v, want 42.5", change.Value)
	}

	store.Apply(FieldLEDStatus, "ON", at.Add(time.Second))
	store.Apply(FieldSensorStatus, "ONLINE", at.Add(2*time.Second))
	last := store.Apply(FieldCameraStatus, "STREAMING", at.Add(3*time.Second))

	snap := store.Snapshot()
	if snap.Distance == nil || *snap.Distance != 42.5 {
		t.Errorf("Distance = %v, want 42.5", snap.Distance)
	}
	if snap.LEDStatus != "ON" || snap.SensorStatus != "ONLINE" || snap.CameraStatus != "STREAMING" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.LastUpdate == nil || !snap.LastUpdate.Equal(at.Add(3*time.Second)) {
		t.Errorf("LastUpdate = %v, want %v", snap.LastUpdate, at.Add(3*time.Second))
	}
	if snap.Revision != last.Revision || snap.Revision != 4 {
		t.Errorf("Revision = %d, want 4", snap.Revision)
	}
}

func TestApplyAbsentDistance(t *testing.T) {
	store := NewStore()
	d := 10.0
	store.Apply(FieldDistance, &d, time.Now())

	change := store.Apply(FieldDistance, (*float64)(nil), time.Now())
	if v, ok := change.Value.(*float64); !ok || v != nil {
		t.Errorf("change value = %v, want typed nil", change.Value)
	}
	if store.Snapshot().Distance != nil {
		t.Error("Distance should be absent after nil apply")
	}

	store.Apply(FieldDistance, nil, time.Now())
	if store.Snapshot().Distance != nil {
		t.Error("Distance should stay absent after untyped nil apply")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	store := NewStore()
	d := 5.0
	store.Apply(FieldDistance, &d, time.Now())

	snap := store.Snapshot()
	*snap.Distance = 99
	d = 77

	if got := *store.Snapshot().Distance; got != 5 {
		t.Errorf("stored distance = %v, want 5", got)
	}
}

func TestApplyPanicsOnProgrammingErrors(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		value any
	}{
		{"unknown field", Field(99), "x"},
		{"distance as string", FieldDistance, "12"},
		{"status as number", FieldLEDStatus, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewStore().Apply(tt.field, tt.value, time.Now())
		})
	}
}

func TestConcurrentApplyAndSnapshot(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 100 {
				d := float64(i*100 + j)
				store.Apply(FieldDistance, &d, time.Now())
				_ = store.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	if rev := store.Snapshot().Revision; rev != 800 {
		t.Errorf("Revision = %d, want 800", rev)
	}
}

func TestFieldString(t *testing.T) {
	if FieldSensorStatus.String() != "sensorStatus" {
		t.Errorf("FieldSensorStatus.String() = %q", FieldSensorStatus.String())
	}
	if Field(0).String() != "field(0)" {
		t.Errorf("Field(0).String() = %q", Field(0).String())
	}
}
