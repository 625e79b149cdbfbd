// Package realtime serves the browser event channel over websockets.
//
// Every frame in either direction is a JSON envelope:
//
//	{"event": "mqtt-distance", "data": 42.5}
//
// Server to client: system-state, mqtt-distance, mqtt-led-status,
// mqtt-sensor-status, mqtt-camera-status and pong.
// Client to server: mqtt-command (data is forwarded to the commands topic),
// ping and get-initial-state.
package realtime
