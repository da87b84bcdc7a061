package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/cowork/internal/call"
	"github.com/1ureka/cowork/internal/media"
)

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func newStream(t *testing.T) *media.LocalStream {
	t.Helper()

	stream, err := media.SyntheticSource{FrameRate: 30}.GetLocalStream(context.Background())
	if err != nil {
		t.Fatalf("GetLocalStream failed: %v", err)
	}
	t.Cleanup(stream.Stop)
	return stream
}

// TestLoopbackCall connects two in-process sessions by passing each one's
// signal to the other, then checks media flows both ways.
func TestLoopbackCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	offers := make(chan json.RawMessage, 1)
	answers := make(chan json.RawMessage, 1)
	tracksA := make(chan media.RemoteTrack, 4)
	tracksB := make(chan media.RemoteTrack, 4)

	a, err := f.NewSession(ctx, call.SessionConfig{
		Role:     call.Initiator,
		Stream:   newStream(t),
		OnSignal: func(s json.RawMessage) { offers <- s },
		OnTrack:  func(tr media.RemoteTrack) { tracksA <- tr },
	})
	if err != nil {
		t.Fatalf("initiator NewSession failed: %v", err)
	}
	defer a.Close()

	b, err := f.NewSession(ctx, call.SessionConfig{
		Role:     call.Responder,
		Stream:   newStream(t),
		OnSignal: func(s json.RawMessage) { answers <- s },
		OnTrack:  func(tr media.RemoteTrack) { tracksB <- tr },
	})
	if err != nil {
		t.Fatalf("responder NewSession failed: %v", err)
	}
	defer b.Close()

	offer := receive(t, offers, "offer")
	var desc wireSignal
	if err := json.Unmarshal(offer, &desc); err != nil || desc.Type != "offer" || desc.SDP == "" {
		t.Fatalf("offer is not a session description: %s", offer)
	}

	if err := b.Signal(offer); err != nil {
		t.Fatalf("responder Signal failed: %v", err)
	}
	if err := a.Signal(receive(t, answers, "answer")); err != nil {
		t.Fatalf("initiator Signal failed: %v", err)
	}

	for name, ch := range map[string]chan media.RemoteTrack{"initiator": tracksA, "responder": tracksB} {
		track := receive(t, ch, name+" remote track")
		if track.StreamID == "" {
			t.Errorf("%s track has no stream id", name)
		}
		receive(t, track.Packets, name+" media packet")
	}
}

func TestSignalRejectsWrongRole(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	s, err := f.NewSession(context.Background(), call.SessionConfig{Role: call.Initiator})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	err = s.Signal(json.RawMessage(`{"type":"offer","sdp":"v=0"}`))
	if !errors.Is(err, errWrongRole) {
		t.Errorf("err = %v, want errWrongRole", err)
	}

	if err := s.Signal(json.RawMessage(`"not an object"`)); err == nil {
		t.Error("expected parse error")
	}
	if err := s.Signal(json.RawMessage(`{"type":"renegotiate"}`)); err == nil {
		t.Error("expected unsupported signal error")
	}
}

func TestEarlyCandidateIsQueued(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	s, err := f.NewSession(context.Background(), call.SessionConfig{Role: call.Responder})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	sig := json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)
	if err := s.Signal(sig); err != nil {
		t.Fatalf("early candidate should be queued, got %v", err)
	}

	sess := s.(*Session)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.pending) != 1 {
		t.Errorf("pending candidates = %d, want 1", len(sess.pending))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	s, err := f.NewSession(context.Background(), call.SessionConfig{Role: call.Responder})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case <-s.(*Session).Done():
	default:
		t.Error("Done should be closed after Close")
	}
}
