package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/cowork/internal/call"
	"github.com/1ureka/cowork/internal/media"
	"github.com/1ureka/cowork/internal/util"
)

const (
	pliInterval      = 3 * time.Second
	trackBufferSize  = 64
	rtcpReadBufSize  = 1500
	gatheringTimeout = 10 * time.Second
)

var errWrongRole = errors.New("signal does not match session role")

// Session wraps one PeerConnection.
//
// Its lifecycle is bound to the context passed at construction and to Close.
type Session struct {
	pc   *webrtc.PeerConnection
	role call.Role
	cfg  call.SessionConfig
	log  util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit // candidates received before the description
	pcState   webrtc.PeerConnectionState

	closeOnce sync.Once
}

// wireSignal is the JSON shape of a signal: a session description
// ({type, sdp}) or a trickled candidate ({type: "candidate", candidate}).
type wireSignal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func newSession(ctx context.Context, api *webrtc.API, iceServers []string, cfg call.SessionConfig) (*Session, error) {
	pc, err := newPeerConnection(api, iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	sCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		pc:      pc,
		role:    cfg.Role,
		cfg:     cfg,
		log:     util.Component("transport"),
		ctx:     sCtx,
		cancel:  cancel,
		pcState: webrtc.PeerConnectionStateNew,
	}

	if err := s.addLocalTracks(); err != nil {
		s.Close()
		return nil, err
	}

	pc.OnTrack(s.handleTrack)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("PeerConnection state: %s", state)
		s.mu.Lock()
		s.pcState = state
		s.mu.Unlock()

		if state == webrtc.PeerConnectionStateFailed {
			s.log.Warning("media connection failed")
		}
	})

	if cfg.Role == call.Initiator {
		gathered := webrtc.GatheringCompletePromise(pc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("CreateOffer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			s.Close()
			return nil, fmt.Errorf("SetLocalDescription: %w", err)
		}

		go s.emitLocalDescription(gathered)
	}

	return s, nil
}

// addLocalTracks sends the local stream, or only receives when there is none.
func (s *Session) addLocalTracks() error {
	if s.cfg.Stream == nil || len(s.cfg.Stream.Tracks) == 0 {
		if err := addRecvOnly(s.pc); err != nil {
			return fmt.Errorf("failed to add receive-only transceivers: %w", err)
		}
		return nil
	}

	for _, track := range s.cfg.Stream.Tracks {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtcpReadBufSize)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// emitLocalDescription hands the complete local description to OnSignal once
// ICE gathering has finished.
func (s *Session) emitLocalDescription(gathered <-chan struct{}) {
	timer := time.NewTimer(gatheringTimeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		s.log.Warning("ICE gathering timed out, sending partial candidates")
	case <-s.ctx.Done():
		return
	}

	desc := s.pc.LocalDescription()
	if desc == nil {
		return
	}

	data, err := json.Marshal(desc)
	if err != nil {
		s.log.Error("failed to encode local description: %v", err)
		return
	}

	if s.ctx.Err() == nil && s.cfg.OnSignal != nil {
		s.cfg.OnSignal(data)
	}
}

// Signal applies a remote signal: an offer (responder only), an answer
// (initiator only) or a trickled candidate.
func (s *Session) Signal(raw json.RawMessage) error {
	var sig wireSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("failed to parse signal: %w", err)
	}

	switch {
	case sig.Type == "offer":
		if s.role != call.Responder {
			return fmt.Errorf("%w: %s received an offer", errWrongRole, s.role)
		}
		return s.answer(sig.SDP)

	case sig.Type == "answer":
		if s.role != call.Initiator {
			return fmt.Errorf("%w: %s received an answer", errWrongRole, s.role)
		}
		return s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})

	case sig.Candidate != nil:
		return s.addCandidate(*sig.Candidate)
	}

	return fmt.Errorf("unsupported signal type %q", sig.Type)
}

func (s *Session) answer(sdp string) error {
	if err := s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}

	go s.emitLocalDescription(gathered)
	return nil
}

// setRemote applies the remote description and flushes candidates that
// arrived early.
func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warning("AddICECandidate failed: %v", err)
		}
	}
	return nil
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("AddICECandidate: %w", err)
	}
	return nil
}

// handleTrack forwards a remote track's packets to OnTrack and, for video,
// asks the sender for keyframes periodically.
func (s *Session) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.log.Debug("remote %s track %s (%s)", remote.Kind(), remote.ID(), remote.Codec().MimeType)

	packets := make(chan *rtp.Packet, trackBufferSize)

	if s.cfg.OnTrack != nil {
		s.cfg.OnTrack(media.RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     remote.Kind(),
			MimeType: remote.Codec().MimeType,
			Packets:  packets,
		})
	}

	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go s.requestKeyframes(remote.SSRC())
	}

	go func() {
		defer close(packets)
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			util.Stats.AddMediaRecv(pkt.MarshalSize())

			select {
			case packets <- pkt:
			default:
				// Slow sink: drop rather than stall the receiver.
			}
		}
	}()
}

// requestKeyframes sends a PLI immediately and then every pliInterval.
func (s *Session) requestKeyframes(ssrc webrtc.SSRC) {
	sendPLI := func() error {
		return s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
	}

	if err := sendPLI(); err != nil {
		return
	}

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sendPLI(); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// ConnectionState returns the last observed PeerConnection state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcState
}

// Done returns a channel that is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close shuts down the PeerConnection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pc.Close()
	})
	return err
}
