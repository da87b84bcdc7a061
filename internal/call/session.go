// Package call negotiates one peer-to-peer media session per room. Signals
// produced by the media session are exchanged through the relay; the session
// itself is provided by a Factory.
package call

import (
	"context"
	"encoding/json"

	"github.com/1ureka/cowork/internal/media"
)

// Role is the side a participant takes in a two-party negotiation.
type Role int

const (
	Initiator Role = iota // sends the first signal
	Responder             // answers a signal it received
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// SessionConfig is handed to Factory.NewSession.
type SessionConfig struct {
	Role   Role
	Stream *media.LocalStream

	// OnSignal receives every local signal that must reach the remote side.
	// It may be called from any goroutine, including before NewSession
	// returns.
	OnSignal func(signal json.RawMessage)

	// OnTrack receives the remote participant's tracks.
	OnTrack func(track media.RemoteTrack)
}

// Session is one negotiation primitive: a media connection to a single remote
// participant.
type Session interface {
	// Signal applies a signal produced by the remote session.
	Signal(signal json.RawMessage) error
	// Close releases every resource held by the session.
	Close() error
}

// Factory creates sessions. An Initiator session emits its first signal on
// its own; a Responder session emits one after the remote signal is applied.
type Factory interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
