package transport

import (
	"github.com/pion/webrtc/v4"
)

// newAPI returns a pion API with the default audio and video codecs
// registered.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

// newPeerConnection creates a PeerConnection that gathers candidates from
// the given STUN/TURN URLs.
func newPeerConnection(api *webrtc.API, iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return api.NewPeerConnection(config)
}

// addRecvOnly asks the remote side for audio and video when there is no
// local stream to send.
func addRecvOnly(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}
