package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/cowork/internal/util"
)

// ErrDeviceUnavailable is wrapped in the AcquisitionError returned by a
// SyntheticSource configured as unavailable.
var ErrDeviceUnavailable = errors.New("device unavailable or permission denied")

const (
	audioClockRate = 48000
	videoClockRate = 90000
	audioFrame     = 20 * time.Millisecond
	mtu            = 1200
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces a test-pattern stream: Opus silence plus a small
// VP8-shaped video payload at FrameRate. It stands in for a camera and
// microphone on machines that have neither.
type SyntheticSource struct {
	FrameRate   int  // video frames per second, default 15
	Unavailable bool // fail every acquisition with ErrDeviceUnavailable
}

func (s SyntheticSource) GetLocalStream(ctx context.Context) (*LocalStream, error) {
	if s.Unavailable {
		return nil, &AcquisitionError{Device: "camera and microphone", Err: ErrDeviceUnavailable}
	}
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Device: "camera and microphone", Err: err}
	}

	fps := s.FrameRate
	if fps <= 0 {
		fps = 15
	}

	streamID := "cowork-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, &AcquisitionError{Device: "microphone", Err: err}
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate},
		"video", streamID)
	if err != nil {
		return nil, &AcquisitionError{Device: "camera", Err: err}
	}

	// The capture outlives the acquiring call, so it is not bound to ctx.
	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		pump(pumpCtx, audio, video, time.Second/time.Duration(fps))
	}()

	return NewLocalStream(streamID, []*webrtc.TrackLocalStaticRTP{audio, video}, cancel, done), nil
}

// pump writes audio and video packets on their own cadences until ctx ends.
// Writes to tracks that are not yet bound to a session are discarded by pion.
func pump(ctx context.Context, audio, video *webrtc.TrackLocalStaticRTP, frameInterval time.Duration) {
	audioTicker := time.NewTicker(audioFrame)
	defer audioTicker.Stop()
	videoTicker := time.NewTicker(frameInterval)
	defer videoTicker.Stop()

	audioPkt := newPacketizer(audioClockRate)
	videoPkt := newPacketizer(videoClockRate)
	audioStep := uint32(audioClockRate * audioFrame / time.Second)
	videoStep := uint32(videoClockRate * frameInterval / time.Second)

	frame := 0
	for {
		select {
		case <-audioTicker.C:
			p := audioPkt.next(opusSilence, true, audioStep)
			write(audio, p)

		case <-videoTicker.C:
			payload := testPattern(frame)
			for i := 0; i < len(payload); i += mtu {
				end := min(i+mtu, len(payload))
				last := end == len(payload)
				var step uint32
				if last {
					step = videoStep
				}
				write(video, videoPkt.next(payload[i:end], last, step))
			}
			frame++

		case <-ctx.Done():
			return
		}
	}
}

func write(track *webrtc.TrackLocalStaticRTP, p *rtp.Packet) {
	if err := track.WriteRTP(p); err != nil {
		util.LogDebug("failed to write %s sample: %v", track.Kind(), err)
		return
	}
	util.Stats.AddMediaSent(p.MarshalSize())
}

// packetizer tracks sequence numbers and timestamps for one track.
type packetizer struct {
	seq       uint16
	timestamp uint32
}

func newPacketizer(clockRate uint32) *packetizer {
	return &packetizer{seq: uint16(time.Now().UnixNano()), timestamp: uint32(time.Now().Unix()) * clockRate}
}

// next builds a packet carrying payload. The timestamp advances by step
// after the packet, so every packet of one frame shares a timestamp.
func (p *packetizer) next(payload []byte, marker bool, step uint32) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
		},
		Payload: payload,
	}
	p.seq++
	p.timestamp += step
	return pkt
}

// testPattern returns a VP8 payload descriptor followed by a frame-dependent
// body. Every 30th frame is flagged as a keyframe start.
func testPattern(frame int) []byte {
	body := []byte(fmt.Sprintf("cowork test pattern frame %d", frame))
	descriptor := byte(0x10) // S bit: start of partition
	out := make([]byte, 0, len(body)+1)
	out = append(out, descriptor)
	if frame%30 == 0 {
		out = append(out, 0x00) // P bit clear: keyframe
	} else {
		out = append(out, 0x01)
	}
	return append(out, body...)
}
