package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed payload")
	ErrMismatch     = errors.New("message does not match event")
)

// Encode builds the envelope for msg published under event in room.
func Encode(event Event, room string, msg Message) (Envelope, error) {
	env := Envelope{Event: event, Room: room}

	var payload any
	switch m := msg.(type) {
	case Join:
		if event != EventJoinRoom {
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
		payload = m.Room
	case Leave:
		if event != EventLeaveRoom {
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
		payload = m.Room
	case Signal:
		switch event {
		case EventSendSignal, EventReturnSignal:
			if m.Room == "" {
				m.Room = room
			}
			payload = m
		case EventUserJoined, EventReceivingSignal, EventReceivingReturnedSignal:
			payload = m.Signal
		default:
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
		if isEmpty(m.Signal) {
			return env, fmt.Errorf("%w: empty signal", ErrMalformed)
		}
	case Draw:
		if event != EventDraw {
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
		payload = m.Stroke
	case Clear:
		if event != EventClear {
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
	case Undo:
		if event != EventUndo {
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
	case Redo:
		if event != EventRedo {
			return env, fmt.Errorf("%w: %s", ErrMismatch, event)
		}
	case nil:
		switch event {
		case EventClear, EventUndo, EventRedo:
		default:
			return env, fmt.Errorf("%w: %s requires a payload", ErrMismatch, event)
		}
	default:
		return env, fmt.Errorf("%w: %T", ErrMismatch, msg)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode turns an envelope received from the relay into its typed message.
// Every payload entering the process goes through here.
func Decode(env Envelope) (Message, error) {
	switch env.Event {
	case EventJoinRoom, EventLeaveRoom:
		room := env.Room
		if !isEmpty(env.Payload) {
			if err := json.Unmarshal(env.Payload, &room); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
			}
		}
		if room == "" {
			return nil, fmt.Errorf("%w: %s without room", ErrMalformed, env.Event)
		}
		if env.Event == EventJoinRoom {
			return Join{Room: room}, nil
		}
		return Leave{Room: room}, nil

	case EventSendSignal, EventReturnSignal:
		var s Signal
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
		if isEmpty(s.Signal) {
			return nil, fmt.Errorf("%w: %s without signal", ErrMalformed, env.Event)
		}
		if s.Room == "" {
			s.Room = env.Room
		}
		return s, nil

	case EventUserJoined, EventReceivingSignal, EventReceivingReturnedSignal:
		if isEmpty(env.Payload) {
			return nil, fmt.Errorf("%w: %s without signal", ErrMalformed, env.Event)
		}
		return Signal{Signal: bytes.Clone(env.Payload), Room: env.Room}, nil

	case EventDraw:
		var st Stroke
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			return nil, fmt.Errorf("%w: draw: %v", ErrMalformed, err)
		}
		return Draw{Stroke: st}, nil

	case EventClear:
		return Clear{}, nil
	case EventUndo:
		return Undo{}, nil
	case EventRedo:
		return Redo{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
