// Package relaytest provides an in-memory relay for component tests.
//
// A Bus routes events between Peers exactly like the relay server does, but
// deliveries are queued until Flush is called, so tests control interleaving
// and no handler runs re-entrantly inside Publish.
package relaytest

import (
	"sync"

	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/relay"
)

type delivery struct {
	to  *Peer
	env protocol.Envelope
}

// Bus connects Peers.
type Bus struct {
	mu    sync.Mutex
	peers []*Peer
	queue []delivery
}

func NewBus() *Bus {
	return &Bus{}
}

// Connect adds a new Peer to the bus.
func (b *Bus) Connect() *Peer {
	p := &Peer{bus: b, rooms: make(map[string]int)}

	b.mu.Lock()
	b.peers = append(b.peers, p)
	b.mu.Unlock()

	return p
}

// Pending returns the number of queued deliveries.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush delivers queued events, including ones published by handlers during
// the flush, until the queue is empty. It returns the number delivered.
func (b *Bus) Flush() int {
	n := 0
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return n
		}
		d := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		d.to.deliver(d.env)
		n++
	}
}

// Drop discards every queued delivery, simulating loss in the relay.
func (b *Bus) Drop() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	b.queue = nil
	return n
}

func (b *Bus) route(from *Peer, env protocol.Envelope) {
	out, ok := protocol.Forward(env)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !from.inRoom(out.Room) {
		return
	}
	for _, p := range b.peers {
		if p != from && p.inRoom(out.Room) {
			b.queue = append(b.queue, delivery{to: p, env: out})
		}
	}
}

// Peer is one process's view of the bus. It implements relay.Relay.
type Peer struct {
	bus      *Bus
	registry relay.Registry

	mu        sync.Mutex
	rooms     map[string]int
	offline   bool
	published []protocol.Envelope
}

var _ relay.Relay = (*Peer)(nil)

func (p *Peer) Join(room string) {
	p.mu.Lock()
	p.rooms[room]++
	p.mu.Unlock()
}

func (p *Peer) Leave(room string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n, ok := p.rooms[room]; ok {
		if n <= 1 {
			delete(p.rooms, room)
		} else {
			p.rooms[room] = n - 1
		}
	}
}

// Joined returns the reference count held on room.
func (p *Peer) Joined(room string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rooms[room]
}

func (p *Peer) inRoom(room string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rooms[room] > 0
}

// SetOffline makes Publish drop events, like a disconnected client.
func (p *Peer) SetOffline(offline bool) {
	p.mu.Lock()
	p.offline = offline
	p.mu.Unlock()
}

func (p *Peer) Publish(event protocol.Event, room string, msg protocol.Message) {
	env, err := protocol.Encode(event, room, msg)
	if err != nil {
		return
	}

	p.mu.Lock()
	offline := p.offline
	if !offline {
		p.published = append(p.published, env)
	}
	p.mu.Unlock()

	if !offline {
		p.bus.route(p, env)
	}
}

// Published returns every envelope this peer has sent while online.
func (p *Peer) Published() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope(nil), p.published...)
}

// PublishedEvents returns the event names of Published, in order.
func (p *Peer) PublishedEvents() []protocol.Event {
	envs := p.Published()
	events := make([]protocol.Event, len(envs))
	for i, env := range envs {
		events[i] = env.Event
	}
	return events
}

func (p *Peer) Subscribe(event protocol.Event, h relay.Handler) *relay.Subscription {
	return p.registry.Add(event, h, false)
}

func (p *Peer) SubscribeOnce(event protocol.Event, h relay.Handler) *relay.Subscription {
	return p.registry.Add(event, h, true)
}

func (p *Peer) Unsubscribe(sub *relay.Subscription) {
	p.registry.Remove(sub)
}

// Handlers returns how many handlers are registered for event.
func (p *Peer) Handlers(event protocol.Event) int {
	return p.registry.Len(event)
}

// Inject delivers msg to this peer's handlers immediately, as if the relay
// had sent it.
func (p *Peer) Inject(event protocol.Event, room string, msg protocol.Message) {
	env, err := protocol.Encode(event, room, msg)
	if err != nil {
		panic(err)
	}
	p.deliver(env)
}

func (p *Peer) deliver(env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		return
	}
	p.registry.Dispatch(relay.Event{Name: env.Event, Room: env.Room, Message: msg})
}
