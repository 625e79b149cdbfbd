// Package bus connects the bridge to the device messaging bus.
//
// Two drivers implement [Client]:
//
//	mqtt - eclipse/paho.mqtt.golang, the field devices' native transport
//	nats - nats.go, topics mapped to subjects ("a/b/c" <-> "a.b.c")
//
// Both drivers degrade gracefully: Start never fails because the broker is
// unreachable, the client keeps retrying in the background and IsConnected
// reports the truth. Inbound messages from all subscribed topics are delivered
// on a single channel returned by Messages.
//
// For development and tests an in-process broker can be started with
// [NewEmbedded]: mochi-mqtt for the mqtt driver and nats-server for nats.
package bus
