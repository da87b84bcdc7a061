package app

import (
	"context"
	"errors"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/cowork/internal/call"
	"github.com/1ureka/cowork/internal/config"
	"github.com/1ureka/cowork/internal/media"
	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/relay/relaytest"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RelayURL = "ws://127.0.0.1:1/ws"
	cfg.Room = "room1"
	cfg.SnapshotW = 64
	cfg.SnapshotH = 48
	return cfg
}

func TestWhiteboardCommands(t *testing.T) {
	bus := relaytest.NewBus()
	var out strings.Builder
	wb := NewWhiteboard(testConfig(), bus.Connect(), &out)
	defer wb.Close()

	for _, cmd := range []string{"color #ff0000", "width 50", "line 0,0 10,10 20,5", "line 1,1"} {
		if err := wb.Execute(cmd); err != nil {
			t.Fatalf("Execute(%q): %v", cmd, err)
		}
	}

	strokes := wb.Engine().Strokes()
	if len(strokes) != 2 {
		t.Fatalf("strokes = %d, want 2", len(strokes))
	}
	if strokes[0].Color != "#ff0000" || strokes[0].Width != config.MaxWidth {
		t.Fatalf("stroke pen = %s/%g, want #ff0000/%d", strokes[0].Color, strokes[0].Width, config.MaxWidth)
	}
	if len(strokes[0].Points) != 3 {
		t.Fatalf("points = %d, want 3", len(strokes[0].Points))
	}

	if err := wb.Execute("undo"); err != nil {
		t.Fatal(err)
	}
	if got := len(wb.Engine().Strokes()); got != 1 {
		t.Fatalf("strokes after undo = %d, want 1", got)
	}

	if err := wb.Execute("show"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "redo: 1") {
		t.Fatalf("show output missing stack depths:\n%s", out.String())
	}
}

func TestWhiteboardCommandErrors(t *testing.T) {
	bus := relaytest.NewBus()
	var out strings.Builder
	wb := NewWhiteboard(testConfig(), bus.Connect(), &out)
	defer wb.Close()

	for _, cmd := range []string{"line", "line 1;2", "line 1,x", "color red", "width thin", "save", "scribble"} {
		if err := wb.Execute(cmd); err == nil {
			t.Errorf("Execute(%q) succeeded, want error", cmd)
		}
	}
	if err := wb.Execute("quit"); !errors.Is(err, errQuit) {
		t.Fatalf("quit returned %v", err)
	}
	if got := len(wb.Engine().Strokes()); got != 0 {
		t.Fatalf("strokes = %d after invalid commands", got)
	}
}

func TestWhiteboardSave(t *testing.T) {
	bus := relaytest.NewBus()
	var out strings.Builder
	wb := NewWhiteboard(testConfig(), bus.Connect(), &out)
	defer wb.Close()

	path := filepath.Join(t.TempDir(), "board.png")
	if err := wb.Execute("line 0,0 30,30"); err != nil {
		t.Fatal(err)
	}
	if err := wb.Execute("save " + path); err != nil {
		t.Fatalf("save: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Fatalf("size = %dx%d, want 64x48", cfg.Width, cfg.Height)
	}
}

func TestRunWhiteboardReplicates(t *testing.T) {
	bus := relaytest.NewBus()
	cfg := testConfig()

	remote := NewWhiteboard(cfg, bus.Connect(), &strings.Builder{})
	defer remote.Close()

	local := bus.Connect()
	in := strings.NewReader("line 0,0 5,5\nline 1,1 2,2\nundo\nquit\nline 9,9 8,8\n")

	if err := RunWhiteboard(context.Background(), cfg, local, in, &strings.Builder{}); err != nil {
		t.Fatalf("RunWhiteboard: %v", err)
	}
	bus.Flush()

	if got := len(remote.Engine().Strokes()); got != 1 {
		t.Fatalf("remote strokes = %d, want 1", got)
	}
	if local.Joined(cfg.Room) != 0 {
		t.Fatal("room still joined after RunWhiteboard returned")
	}

	events := local.PublishedEvents()
	if events[len(events)-1] != protocol.EventUndo {
		t.Fatalf("last published event = %s, want undo", events[len(events)-1])
	}
}

func TestRunWhiteboardStopsOnCancel(t *testing.T) {
	bus := relaytest.NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	defer pw.Close()
	defer pr.Close()

	done := make(chan error, 1)
	go func() { done <- RunWhiteboard(ctx, testConfig(), bus.Connect(), pr, &strings.Builder{}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunWhiteboard: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunWhiteboard did not return after cancel")
	}
}

type failingFactory struct{}

func (failingFactory) NewSession(ctx context.Context, cfg call.SessionConfig) (call.Session, error) {
	return nil, errors.New("no sessions in this test")
}

func TestRunCallWithoutMedia(t *testing.T) {
	bus := relaytest.NewBus()
	peer := bus.Connect()

	err := runCall(context.Background(), testConfig(), peer, media.SyntheticSource{Unavailable: true}, failingFactory{})
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if peer.Joined("room1") != 0 {
		t.Fatal("joined the room without local media")
	}
}

func TestRunCallWaitsAndLeaves(t *testing.T) {
	bus := relaytest.NewBus()
	peer := bus.Connect()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runCall(ctx, testConfig(), peer, media.SyntheticSource{}, failingFactory{})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for peer.Joined("room1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("never joined the room")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runCall: %v", err)
	}
	if peer.Joined("room1") != 0 {
		t.Fatal("room still joined after runCall returned")
	}
}

func TestParsePoint(t *testing.T) {
	p, err := parsePoint("1.5,-2")
	if err != nil || p != (protocol.Point{X: 1.5, Y: -2}) {
		t.Fatalf("parsePoint = %v, %v", p, err)
	}

	for _, bad := range []string{"NaN,1", "1,Inf", "-inf,0", "1e400,2"} {
		if _, err := parsePoint(bad); err == nil {
			t.Errorf("parsePoint(%q) succeeded", bad)
		}
	}
}

func TestNonFiniteLineIsNotDrawn(t *testing.T) {
	bus := relaytest.NewBus()
	wb := NewWhiteboard(testConfig(), bus.Connect(), &strings.Builder{})
	defer wb.Close()

	if err := wb.Execute("line NaN,1 2,2"); err == nil {
		t.Fatal("line with NaN succeeded")
	}
	if got := len(wb.Engine().Strokes()); got != 0 {
		t.Fatalf("strokes = %d, want 0", got)
	}
}

func TestDotReplicates(t *testing.T) {
	bus := relaytest.NewBus()
	cfg := testConfig()
	local := NewWhiteboard(cfg, bus.Connect(), &strings.Builder{})
	defer local.Close()
	remote := NewWhiteboard(cfg, bus.Connect(), &strings.Builder{})
	defer remote.Close()

	if err := local.Execute("line 3,3"); err != nil {
		t.Fatal(err)
	}
	bus.Flush()

	if got := len(remote.Engine().Strokes()); got != 1 {
		t.Fatalf("remote strokes = %d, want 1", got)
	}
}
