package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/bus"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := CreateTopicsCmd()
	if args[0] == "publish" {
		cmd = CreatePublishCmd()
	}
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args[1:])
	err := cmd.Execute()
	return out.String(), err
}

func TestTopicsDefault(t *testing.T) {
	out, err := runCmd(t, "topics", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("topics: %v", err)
	}

	defaults := bridge.DefaultTopics()
	for _, want := range []string{defaults.Distance, defaults.LEDStatus, defaults.Commands, bridge.EventDistance} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTopicsFromConfigAsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[topics]\ndistance = \"lab/distance\"\ncommands = \"lab/commands\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := runCmd(t, "topics", "--config", path, "--json")
	if err != nil {
		t.Fatalf("topics: %v", err)
	}

	var rows []topicRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, out)
	}
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(rows))
	}
	if rows[0].Topic != "lab/distance" || rows[0].Field != "distance" || rows[0].Direction != "in" {
		t.Errorf("first row = %+v", rows[0])
	}
	if last := rows[len(rows)-1]; last.Topic != "lab/commands" || last.Direction != "out" {
		t.Errorf("last row = %+v", last)
	}
}

func TestTopicsRejectsCollision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[topics]\nled_status = \"same\"\ncamera_status = \"same\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := runCmd(t, "topics", "--config", path); err == nil {
		t.Fatal("expected duplicate topic error")
	}
}

func TestPublishRejectsInvalidJSON(t *testing.T) {
	_, err := runCmd(t, "publish", "--config", "", "--payload", "{nope", "--broker", "tcp://127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), "JSON") {
		t.Fatalf("err = %v, want JSON validation error", err)
	}
}

func TestPublishUnreachableBroker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	_, err = runCmd(t, "publish", "--config", "", "--payload", `{"a":1}`,
		"--broker", "tcp://"+addr, "--timeout", "300ms")
	if err == nil {
		t.Fatal("expected error for unreachable broker")
	}
}

func TestPublishDelivers(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	broker := bus.NewEmbeddedMQTT(addr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := broker.Start(); err != nil {
		t.Fatalf("Start broker: %v", err)
	}
	t.Cleanup(broker.Stop)

	got := make(chan string, 1)
	if err := broker.Subscribe("lab/commands", func(_ string, payload []byte) {
		got <- string(payload)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	out, err := runCmd(t, "publish", "--config", "", "--broker", broker.URL(),
		"--topic", "lab/commands", "--payload", `{"led":"ON"}`, "--timeout", "3s")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(out, "lab/commands") {
		t.Errorf("output = %q", out)
	}

	select {
	case payload := <-got:
		if payload != `{"led":"ON"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for published message")
	}
}
