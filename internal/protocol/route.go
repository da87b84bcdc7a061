package protocol

import "bytes"

// Forward maps an envelope published by a client to the envelope the relay
// delivers to the other members of its room. Membership events and unknown
// events are not forwarded.
//
//	send-signal {signal, room}   -> user-joined signal
//	return-signal {signal, room} -> receiving-returned-signal signal
//	draw / clear / undo / redo   -> unchanged
func Forward(env Envelope) (Envelope, bool) {
	switch env.Event {
	case EventSendSignal, EventReturnSignal:
		msg, err := Decode(env)
		if err != nil {
			return Envelope{}, false
		}
		s := msg.(Signal)

		out := Envelope{Event: EventUserJoined, Room: s.Room, Payload: bytes.Clone(s.Signal)}
		if env.Event == EventReturnSignal {
			out.Event = EventReceivingReturnedSignal
		}
		return out, true

	case EventDraw, EventClear, EventUndo, EventRedo:
		return env, true
	}
	return Envelope{}, false
}
