package relay

import (
	"sync"
	"sync/atomic"

	"github.com/1ureka/cowork/internal/protocol"
)

// Subscription is the handle returned by Subscribe and SubscribeOnce.
type Subscription struct {
	event   protocol.Event
	handler Handler
	once    bool

	// done is set when the subscription is removed or a one-shot has fired.
	done atomic.Bool
}

// Event returns the event name the subscription listens to.
func (s *Subscription) Event() protocol.Event { return s.event }

// Active reports whether the handler can still be invoked.
func (s *Subscription) Active() bool { return !s.done.Load() }

// Registry holds handlers per event name, in registration order.
// The zero value is ready to use.
type Registry struct {
	mu   sync.Mutex
	subs map[protocol.Event][]*Subscription
}

// Add registers h for event.
func (r *Registry) Add(event protocol.Event, h Handler, once bool) *Subscription {
	sub := &Subscription{event: event, handler: h, once: once}

	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[protocol.Event][]*Subscription)
	}
	r.subs[event] = append(r.subs[event], sub)
	r.mu.Unlock()

	return sub
}

// Remove unregisters sub. Removing twice is a no-op.
func (r *Registry) Remove(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.done.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.event]
	for i, s := range list {
		if s == sub {
			r.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.event]) == 0 {
		delete(r.subs, sub.event)
	}
}

// Dispatch invokes every active handler for ev.Name in registration order.
// Handlers may subscribe or unsubscribe while being dispatched; a handler
// removed by an earlier one in the same pass is skipped.
func (r *Registry) Dispatch(ev Event) int {
	r.mu.Lock()
	list := append([]*Subscription(nil), r.subs[ev.Name]...)
	r.mu.Unlock()

	called := 0
	for _, sub := range list {
		if sub.once {
			if !sub.done.CompareAndSwap(false, true) {
				continue
			}
			r.Remove(sub)
		} else if sub.done.Load() {
			continue
		}

		sub.handler(ev)
		called++
	}
	return called
}

// Len returns the number of handlers registered for event.
func (r *Registry) Len(event protocol.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[event])
}
