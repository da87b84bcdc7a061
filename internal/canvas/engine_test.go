package canvas

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/relay/relaytest"
)

const room = "board1"

func pt(x, y float64) protocol.Point { return protocol.Point{X: x, Y: y} }

type member struct {
	peer   *relaytest.Peer
	engine *Engine
}

func join(bus *relaytest.Bus, opts Options) member {
	p := bus.Connect()
	if opts.Room == "" {
		opts.Room = room
	}
	opts.Relay = p
	return member{peer: p, engine: New(opts)}
}

// drawStroke begins a stroke at the first point, extends it through the rest and
// ends it.
func drawStroke(e *Engine, pts ...protocol.Point) string {
	id := e.BeginStroke(pts[0], "#000000", 2)
	for _, p := range pts[1:] {
		e.ExtendStroke(p)
	}
	e.EndStroke()
	return id
}

func countEvents(events []protocol.Event, want protocol.Event) int {
	n := 0
	for _, ev := range events {
		if ev == want {
			n++
		}
	}
	return n
}

func TestStrokeReplicatesAsSnapshots(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	id := drawStroke(a.engine, pt(0, 0), pt(1, 1), pt(2, 2))

	if got := countEvents(a.peer.PublishedEvents(), protocol.EventDraw); got != 2 {
		t.Fatalf("draw events = %d, want 2 (one per extension)", got)
	}

	bus.Flush()

	strokes := b.engine.Strokes()
	if len(strokes) != 1 {
		t.Fatalf("remote strokes = %d, want 1", len(strokes))
	}
	if strokes[0].ID != id || len(strokes[0].Points) != 3 {
		t.Fatalf("remote stroke = %+v, want id %s with 3 points", strokes[0], id)
	}
	if got := len(b.engine.UndoStack()); got != 1 {
		t.Fatalf("remote undo depth = %d, want 1", got)
	}
}

func TestUndoRedoAreInverses(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	drawStroke(a.engine, pt(0, 0), pt(10, 0))
	drawStroke(a.engine, pt(0, 5), pt(10, 5))
	drawStroke(a.engine, pt(0, 9), pt(10, 9))
	bus.Flush()

	before := a.engine.Strokes()

	if !a.engine.Undo() {
		t.Fatal("Undo returned false with a non-empty history")
	}
	if !a.engine.Redo() {
		t.Fatal("Redo returned false after Undo")
	}
	bus.Flush()

	if got := a.engine.Strokes(); !reflect.DeepEqual(got, before) {
		t.Fatalf("local strokes after undo+redo = %+v, want %+v", got, before)
	}
	if got := b.engine.Strokes(); !reflect.DeepEqual(got, before) {
		t.Fatalf("remote strokes after undo+redo = %+v, want %+v", got, before)
	}
	if got := len(a.engine.RedoStack()); got != 0 {
		t.Fatalf("redo depth = %d, want 0", got)
	}
}

func TestUndoThenRedoRestoresStroke(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})

	drawStroke(a.engine, pt(1, 1), pt(2, 2), pt(3, 3))

	a.engine.Undo()
	if got := len(a.engine.Strokes()); got != 0 {
		t.Fatalf("strokes after undo = %d, want 0", got)
	}
	if got := len(a.engine.RedoStack()); got != 1 {
		t.Fatalf("redo depth after undo = %d, want 1", got)
	}

	a.engine.Redo()
	strokes := a.engine.Strokes()
	if len(strokes) != 1 || len(strokes[0].Points) != 3 {
		t.Fatalf("strokes after redo = %+v, want one 3-point stroke", strokes)
	}
}

func TestEmptyHistoryIsNoop(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})

	if a.engine.Redo() {
		t.Fatal("Redo on empty stack returned true")
	}
	if a.engine.Undo() {
		t.Fatal("Undo on empty stack returned true")
	}
	if got := a.peer.PublishedEvents(); len(got) != 0 {
		t.Fatalf("published %v, want nothing", got)
	}
}

func TestClearEmptiesHistory(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	drawStroke(a.engine, pt(0, 0), pt(1, 1))
	drawStroke(a.engine, pt(2, 2), pt(3, 3))
	a.engine.Undo()
	a.engine.Clear()

	if a.engine.Undo() || a.engine.Redo() {
		t.Fatal("undo/redo after clear should be no-ops")
	}
	if got := len(a.engine.Strokes()); got != 0 {
		t.Fatalf("strokes after clear = %d, want 0", got)
	}

	bus.Flush()
	if got := len(b.engine.Strokes()); got != 0 {
		t.Fatalf("remote strokes after clear = %d, want 0", got)
	}
	if len(b.engine.UndoStack()) != 0 || len(b.engine.RedoStack()) != 0 {
		t.Fatal("remote stacks not empty after clear")
	}
}

func TestClearDuringStrokeDiscardsIt(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})

	a.engine.BeginStroke(pt(0, 0), "#ff0000", 3)
	a.engine.ExtendStroke(pt(1, 1))
	a.engine.Clear()
	a.engine.ExtendStroke(pt(2, 2))
	a.engine.EndStroke()

	if a.engine.Drawing() {
		t.Fatal("stroke still active after clear")
	}
	if got := len(a.engine.Strokes()); got != 0 {
		t.Fatalf("strokes = %d, want 0", got)
	}
	if got := countEvents(a.peer.PublishedEvents(), protocol.EventDraw); got != 1 {
		t.Fatalf("draw events = %d, want 1 (nothing after clear)", got)
	}
}

func TestLateSnapshotAfterClearIsIgnored(t *testing.T) {
	bus := relaytest.NewBus()
	b := join(bus, Options{})

	st := protocol.Stroke{ID: "s1", Points: []protocol.Point{pt(0, 0), pt(1, 1)}, Color: "#000000", Width: 2}
	b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})
	b.peer.Inject(protocol.EventClear, room, nil)

	st.Points = append(st.Points, pt(2, 2))
	b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})

	if got := len(b.engine.Strokes()); got != 0 {
		t.Fatalf("strokes = %d, want 0", got)
	}
}

func TestRemoteSnapshotsCoalesceByID(t *testing.T) {
	bus := relaytest.NewBus()
	b := join(bus, Options{})

	st := protocol.Stroke{ID: "s1", Color: "#000000", Width: 2}
	for _, n := range []int{2, 3, 2} {
		st.Points = make([]protocol.Point, n)
		b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})
	}

	strokes := b.engine.Strokes()
	if len(strokes) != 1 {
		t.Fatalf("strokes = %d, want 1", len(strokes))
	}
	if got := len(strokes[0].Points); got != 3 {
		t.Fatalf("points = %d, want 3 (stale snapshot must not shrink the stroke)", got)
	}
	if got := len(b.engine.UndoStack()); got != 1 {
		t.Fatalf("undo depth = %d, want 1", got)
	}
}

func TestSnapshotsWithoutIDAppend(t *testing.T) {
	bus := relaytest.NewBus()
	b := join(bus, Options{})

	st := protocol.Stroke{Points: []protocol.Point{pt(0, 0), pt(1, 1)}, Color: "#000000", Width: 2}
	b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})
	b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})

	if got := len(b.engine.Strokes()); got != 2 {
		t.Fatalf("strokes = %d, want 2", got)
	}
}

func TestEndedStrokeIsImmutable(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})

	id := drawStroke(a.engine, pt(0, 0), pt(1, 1))

	late := protocol.Stroke{ID: id, Points: []protocol.Point{pt(0, 0), pt(1, 1), pt(5, 5)}, Color: "#00ff00", Width: 9}
	a.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: late})

	strokes := a.engine.Strokes()
	if len(strokes) != 1 {
		t.Fatalf("strokes = %d, want 1", len(strokes))
	}
	if len(strokes[0].Points) != 2 || strokes[0].Color != "#000000" {
		t.Fatalf("ended stroke was mutated: %+v", strokes[0])
	}
}

func TestRemoteUndoRedoConverge(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	drawStroke(a.engine, pt(0, 0), pt(1, 1))
	drawStroke(a.engine, pt(2, 2), pt(3, 3))
	bus.Flush()

	b.engine.Undo()
	bus.Flush()

	if got := len(a.engine.Strokes()); got != 1 {
		t.Fatalf("strokes after remote undo = %d, want 1", got)
	}
	if got := len(a.engine.RedoStack()); got != 1 {
		t.Fatalf("redo depth after remote undo = %d, want 1", got)
	}

	b.engine.Redo()
	bus.Flush()

	if !reflect.DeepEqual(a.engine.Strokes(), b.engine.Strokes()) {
		t.Fatalf("members diverged:\n a=%+v\n b=%+v", a.engine.Strokes(), b.engine.Strokes())
	}
	if got := len(a.engine.Strokes()); got != 2 {
		t.Fatalf("strokes after remote redo = %d, want 2", got)
	}
	if countEvents(a.peer.PublishedEvents(), protocol.EventUndo) != 0 {
		t.Fatal("remote undo was republished")
	}
}

func TestNewStrokeClearsRedoEverywhere(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	drawStroke(a.engine, pt(0, 0), pt(1, 1))
	a.engine.Undo()
	bus.Flush()

	if got := len(b.engine.RedoStack()); got != 1 {
		t.Fatalf("remote redo depth = %d, want 1", got)
	}

	drawStroke(a.engine, pt(4, 4), pt(5, 5))
	bus.Flush()

	if got := len(a.engine.RedoStack()); got != 0 {
		t.Fatalf("local redo depth = %d, want 0", got)
	}
	if got := len(b.engine.RedoStack()); got != 0 {
		t.Fatalf("remote redo depth = %d, want 0", got)
	}
	if a.engine.Redo() {
		t.Fatal("Redo succeeded after a new stroke")
	}
}

func TestHistoryLimit(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{HistoryLimit: 2})

	for i := 0; i < 3; i++ {
		drawStroke(a.engine, pt(float64(i), 0), pt(float64(i), 1))
	}

	if !a.engine.Undo() || !a.engine.Undo() {
		t.Fatal("expected two undoable strokes")
	}
	if a.engine.Undo() {
		t.Fatal("undo past the history limit succeeded")
	}
	if got := len(a.engine.Strokes()); got != 1 {
		t.Fatalf("strokes = %d, want 1 (oldest stays on the canvas)", got)
	}
}

func TestUndoDuringStrokeEndsIt(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})

	a.engine.BeginStroke(pt(0, 0), "#000000", 2)
	a.engine.ExtendStroke(pt(1, 1))
	a.engine.Undo()
	a.engine.ExtendStroke(pt(2, 2))

	if a.engine.Drawing() {
		t.Fatal("stroke still active after undo")
	}
	if got := len(a.engine.Strokes()); got != 0 {
		t.Fatalf("strokes = %d, want 0", got)
	}
	redo := a.engine.RedoStack()
	if len(redo) != 1 || len(redo[0].Points) != 2 {
		t.Fatalf("redo stack = %+v, want the 2-point stroke", redo)
	}
}

func TestRemoteUndoEndsLocalStroke(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	a.engine.BeginStroke(pt(0, 0), "#000000", 2)
	a.engine.ExtendStroke(pt(1, 1))
	bus.Flush()

	b.engine.Undo()
	bus.Flush()

	if a.engine.Drawing() {
		t.Fatal("local stroke still active after remote undo removed it")
	}
	a.engine.ExtendStroke(pt(2, 2))
	if got := len(a.engine.Strokes()); got != 0 {
		t.Fatalf("strokes = %d, want 0", got)
	}
}

func TestRoomIsolation(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	other := join(bus, Options{Room: "board2"})

	drawStroke(a.engine, pt(0, 0), pt(1, 1))
	a.engine.Clear()
	bus.Flush()

	if got := len(other.engine.Strokes()); got != 0 {
		t.Fatalf("other room saw %d strokes", got)
	}
}

func TestOnChange(t *testing.T) {
	bus := relaytest.NewBus()
	changes := 0
	a := join(bus, Options{OnChange: func() { changes++ }})

	drawStroke(a.engine, pt(0, 0), pt(1, 1)) // begin + extend
	a.engine.Undo()
	a.engine.Undo() // no-op

	if changes != 3 {
		t.Fatalf("changes = %d, want 3", changes)
	}
}

func TestCloseLeavesRoom(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})

	if a.peer.Joined(room) != 1 {
		t.Fatalf("joined = %d, want 1", a.peer.Joined(room))
	}

	a.engine.Close()
	a.engine.Close()

	if a.peer.Joined(room) != 0 {
		t.Fatalf("joined after close = %d, want 0", a.peer.Joined(room))
	}
	for _, ev := range []protocol.Event{protocol.EventDraw, protocol.EventClear, protocol.EventUndo, protocol.EventRedo} {
		if n := a.peer.Handlers(ev); n != 0 {
			t.Fatalf("%s handlers after close = %d, want 0", ev, n)
		}
	}
	if id := a.engine.BeginStroke(pt(0, 0), "#000000", 2); id != "" {
		t.Fatal("BeginStroke after close returned an id")
	}
}

func TestRemoteRedoBeforeUndoIsNotQueued(t *testing.T) {
	bus := relaytest.NewBus()
	b := join(bus, Options{})

	b.peer.Inject(protocol.EventRedo, room, nil)
	b.peer.Inject(protocol.EventUndo, room, nil)
	if got := len(b.engine.Strokes()); got != 0 {
		t.Fatalf("strokes on empty board = %d, want 0", got)
	}

	st := protocol.Stroke{ID: "s1", Points: []protocol.Point{pt(0, 0), pt(1, 1)}, Color: "#000000", Width: 2}
	b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})

	b.peer.Inject(protocol.EventRedo, room, nil)
	if got := len(b.engine.Strokes()); got != 1 {
		t.Fatalf("strokes after early redo = %d, want 1", got)
	}

	b.peer.Inject(protocol.EventUndo, room, nil)
	if got := len(b.engine.Strokes()); got != 0 {
		t.Fatalf("strokes after undo = %d, want 0 (early redo must not replay)", got)
	}
	if got := len(b.engine.RedoStack()); got != 1 {
		t.Fatalf("redo depth = %d, want 1", got)
	}
}

func TestNonFinitePointsAreRejected(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	if id := a.engine.BeginStroke(pt(math.NaN(), 1), "#000000", 2); id != "" {
		t.Fatalf("BeginStroke(NaN) returned id %q", id)
	}
	a.engine.ExtendStroke(pt(2, 2))
	a.engine.EndStroke()

	a.engine.BeginStroke(pt(0, 0), "#000000", 2)
	a.engine.ExtendStroke(pt(math.Inf(1), 3))
	a.engine.ExtendStroke(pt(1, 1))
	a.engine.EndStroke()
	bus.Flush()

	local, remote := a.engine.Strokes(), b.engine.Strokes()
	if len(local) != 1 || len(local[0].Points) != 2 {
		t.Fatalf("local strokes = %+v, want one 2-point stroke", local)
	}
	if !reflect.DeepEqual(local, remote) {
		t.Fatalf("members diverged:\n a=%+v\n b=%+v", local, remote)
	}
	if len(a.engine.UndoStack()) != len(b.engine.UndoStack()) {
		t.Fatal("undo stacks diverged")
	}
}

func TestSinglePointStrokeReplicates(t *testing.T) {
	bus := relaytest.NewBus()
	a := join(bus, Options{})
	b := join(bus, Options{})

	drawStroke(a.engine, pt(4, 4))
	if got := countEvents(a.peer.PublishedEvents(), protocol.EventDraw); got != 1 {
		t.Fatalf("draw events = %d, want 1", got)
	}
	bus.Flush()

	if got := len(b.engine.Strokes()); got != 1 {
		t.Fatalf("remote strokes = %d, want 1", got)
	}

	a.engine.Undo()
	bus.Flush()
	if len(a.engine.Strokes()) != 0 || len(b.engine.Strokes()) != 0 {
		t.Fatal("undo of a dot did not remove it everywhere")
	}
}

func TestRetiredIDsAreBounded(t *testing.T) {
	bus := relaytest.NewBus()
	b := join(bus, Options{})

	for i := 0; i < maxRetired+50; i++ {
		st := protocol.Stroke{ID: fmt.Sprintf("s%d", i), Points: []protocol.Point{pt(0, 0)}, Color: "#000000", Width: 2}
		b.peer.Inject(protocol.EventDraw, room, protocol.Draw{Stroke: st})
		b.peer.Inject(protocol.EventClear, room, nil)
	}

	b.engine.mu.Lock()
	retired, order := len(b.engine.retired), len(b.engine.order)
	b.engine.mu.Unlock()

	if retired != maxRetired || order != maxRetired {
		t.Fatalf("retired = %d (order %d), want %d", retired, order, maxRetired)
	}
}
