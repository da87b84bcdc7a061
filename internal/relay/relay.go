// Package relay implements the room-scoped publish/subscribe client used by
// the call and whiteboard components to talk to the event relay server.
package relay

import "github.com/1ureka/cowork/internal/protocol"

// Event is a decoded message delivered to subscribers.
type Event struct {
	Name    protocol.Event
	Room    string
	Message protocol.Message
}

// Handler receives events for the name it was subscribed to.
type Handler func(Event)

// Relay is the surface components depend on. Client implements it over a
// WebSocket connection; relaytest.Peer implements it in memory.
type Relay interface {
	// Join adds a reference to room. The first reference makes the relay
	// forward the room's events to this process.
	Join(room string)
	// Leave drops a reference to room. The last reference leaves it.
	Leave(room string)
	// Publish is fire-and-forget: it never blocks and never reports delivery.
	Publish(event protocol.Event, room string, msg protocol.Message)
	Subscribe(event protocol.Event, h Handler) *Subscription
	// SubscribeOnce registers a handler that is removed after its first call.
	SubscribeOnce(event protocol.Event, h Handler) *Subscription
	Unsubscribe(sub *Subscription)
}
