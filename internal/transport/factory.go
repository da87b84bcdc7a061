// Package transport implements call sessions on top of pion/webrtc.
//
// Signals are whole session descriptions: a session waits for ICE gathering
// to finish before emitting its offer or answer, so one signal in each
// direction is enough to connect. Trickled candidates are still accepted.
package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/cowork/internal/call"
)

// Factory creates pion-backed sessions.
type Factory struct {
	api        *webrtc.API
	iceServers []string
}

var _ call.Factory = (*Factory)(nil)

// NewFactory prepares a Factory using the given STUN/TURN URLs.
func NewFactory(iceServers []string) (*Factory, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	return &Factory{api: api, iceServers: iceServers}, nil
}

func (f *Factory) NewSession(ctx context.Context, cfg call.SessionConfig) (call.Session, error) {
	s, err := newSession(ctx, f.api, f.iceServers, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
