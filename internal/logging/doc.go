// Package logging provides structured logging with per-module log levels.
//
// Every component asks for its own logger:
//
//	logger := logging.GetLogger("bridge")
//	logger.Info("Subscribed", "topic", topic)
//
// Records go to stdout when stdout is a terminal, pipe, socket or regular file,
// and to the systemd journal when journald is reachable. When both are present
// a MultiHandler writes to each.
//
// Levels are configured globally with per-module overrides:
//
//	[logging]
//	level = "info"
//	format = "text"
//	bus = "debug"
//	relay = "warn"
//
// Viewing logs on a systemd host:
//
//	journalctl -t blindspot -f
//	journalctl -t blindspot MODULE=bus
package logging
