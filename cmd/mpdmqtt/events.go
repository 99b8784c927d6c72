package main

import "time"

// ==============================
// Events (inputs to the daemon loop)
// ==============================
//
// Everything outside the loop talks to it by sending an Event on one channel.
// MPD idle notifications and MQTT messages do not go through here; the loop
// reads those straight from the live connections.

// Event is an input to the daemon loop.
type Event interface {
	eventMarker()
}

// LocalCommand is a raw command message from the control socket. It is
// decoded by the loop exactly like an MQTT command.
type LocalCommand struct {
	Msg    CommandMessage
	Origin string
}

func (LocalCommand) eventMarker() {}

// InputCommand is an already-decoded command from a local input device.
type InputCommand struct {
	Cmd    Command
	Origin string
}

func (InputCommand) eventMarker() {}

// RequestStateSnapshot asks the loop for its current view. The loop replies
// without blocking, so Reply must be buffered.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// StateSnapshot is the loop's externally visible state. Player is nil until
// the first successful capture and after the player connection drops.
type StateSnapshot struct {
	Player          *PlayerSnapshot
	PlayerConnected bool
	BrokerConnected bool
	SingleShot      SingleShot
	At              time.Time
}

// ==============================
// Broadcasts (outputs for the state feed)
// ==============================

// StateBroadcast is emitted by the loop after every state transition the
// websocket feed cares about.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastStateChanged follows every successful publish.
type BroadcastStateChanged struct {
	Snapshot PlayerSnapshot
	Changed  []TopicValue
	At       time.Time
}

func (BroadcastStateChanged) broadcastMarker() {}

// BroadcastConnection follows a connect or disconnect of either upstream.
type BroadcastConnection struct {
	Role      string // "mpd" or "mqtt"
	Connected bool
	At        time.Time
}

func (BroadcastConnection) broadcastMarker() {}
