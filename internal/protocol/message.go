// Package protocol defines the relay wire format: a JSON envelope carrying an
// event name, a room, and an event-specific payload, plus the closed set of
// messages those payloads decode into.
package protocol

import "encoding/json"

// Event is a relay event name.
type Event string

const (
	EventJoinRoom  Event = "join-room"
	EventLeaveRoom Event = "leave-room"

	EventSendSignal              Event = "send-signal"
	EventUserJoined              Event = "user-joined"
	EventReturnSignal            Event = "return-signal"
	EventReceivingSignal         Event = "receiving-signal"
	EventReceivingReturnedSignal Event = "receiving-returned-signal"

	EventDraw  Event = "draw"
	EventClear Event = "clear"
	EventUndo  Event = "undo"
	EventRedo  Event = "redo"
)

// Envelope is the JSON frame exchanged with the relay server.
type Envelope struct {
	Event   Event           `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is one of Join, Leave, Signal, Draw, Clear, Undo or Redo.
type Message interface {
	isMessage()
}

// Join asks the relay to add this connection to Room.
type Join struct {
	Room string
}

// Leave asks the relay to remove this connection from Room.
type Leave struct {
	Room string
}

// Signal carries an opaque negotiation payload. On publish events
// (send-signal, return-signal) it is sent as {signal, room}; on delivery
// events the relay forwards the bare signal.
type Signal struct {
	Signal json.RawMessage `json:"signal"`
	Room   string          `json:"room"`
}

// Draw carries the full current state of one stroke.
type Draw struct {
	Stroke Stroke
}

type Clear struct{}

type Undo struct{}

type Redo struct{}

func (Join) isMessage()   {}
func (Leave) isMessage()  {}
func (Signal) isMessage() {}
func (Draw) isMessage()   {}
func (Clear) isMessage()  {}
func (Undo) isMessage()   {}
func (Redo) isMessage()   {}
