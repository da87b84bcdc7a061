// Package media defines the local capture primitive and the stream types the
// call negotiator hands to and receives from a media session.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Source acquires the local capture stream (audio and video).
type Source interface {
	GetLocalStream(ctx context.Context) (*LocalStream, error)
}

// AcquisitionError reports that a capture device could not be opened.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// LocalStream is a running capture. Its tracks are added to a session;
// Stop ends the capture.
type LocalStream struct {
	ID     string
	Tracks []*webrtc.TrackLocalStaticRTP

	stop     context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewLocalStream wraps tracks fed by a producer that exits when ctx is done.
// done must be closed by the producer once it has stopped writing.
func NewLocalStream(id string, tracks []*webrtc.TrackLocalStaticRTP, stop context.CancelFunc, done chan struct{}) *LocalStream {
	return &LocalStream{ID: id, Tracks: tracks, stop: stop, done: done}
}

// Stop ends the capture and waits for the producer to exit. Safe to call more
// than once.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		if s.done != nil {
			<-s.done
		}
	})
}

// Done is closed once the producer has stopped.
func (s *LocalStream) Done() <-chan struct{} {
	return s.done
}

// RemoteTrack is one incoming track of the remote participant's stream.
// Packets is closed when the track ends.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	MimeType string
	Packets  <-chan *rtp.Packet
}
