// Package canvas keeps a shared whiteboard in sync across the members of a
// room. Strokes are replicated as whole snapshots; clear, undo and redo are
// replicated as commands that every member applies to its own history.
package canvas

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/relay"
	"github.com/1ureka/cowork/internal/util"
)

// DefaultHistoryLimit bounds the undo stack when Options.HistoryLimit is not
// set.
const DefaultHistoryLimit = 100

// maxRetired bounds how many cleared stroke ids are remembered for ignoring
// late snapshots.
const maxRetired = 1024

// Options configures an Engine.
type Options struct {
	Room  string
	Relay relay.Relay

	// HistoryLimit caps the undo stack. Strokes pushed out of it stay on the
	// canvas but can no longer be undone.
	HistoryLimit int

	// OnChange is called after every change to the visible canvas, local or
	// remote, without the engine's lock held.
	OnChange func()
}

// entry is one stroke in the history. The same entry moves between the log
// and the undo and redo stacks.
type entry struct {
	stroke    protocol.Stroke
	local     bool // drawn in this process
	committed bool // local stroke finished with EndStroke
	published bool // at least one draw event was sent for it
}

// Engine owns the canvas state of one open whiteboard.
//
// The undo and redo stacks are shared by everyone in the room: undo removes
// the most recent stroke whoever drew it. Remote strokes enter the history
// the same way local ones do, so members that saw the same events hold the
// same stacks.
type Engine struct {
	room     string
	relay    relay.Relay
	limit    int
	onChange func()
	log      util.Logger

	mu      sync.Mutex
	strokes []*entry // visible strokes, oldest first
	undo    []*entry
	redo    []*entry
	active  *entry // local stroke between BeginStroke and EndStroke
	byID    map[string]*entry
	retired map[string]struct{} // ids removed for good; late snapshots are ignored
	order   []string            // retired ids, oldest first
	subs    []*relay.Subscription
	closed  bool
}

// New joins the room and starts applying remote canvas events.
func New(opts Options) *Engine {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	e := &Engine{
		room:     opts.Room,
		relay:    opts.Relay,
		limit:    limit,
		onChange: opts.OnChange,
		log:      util.Component("canvas").Room(opts.Room),
		byID:     make(map[string]*entry),
		retired:  make(map[string]struct{}),
	}

	e.subs = []*relay.Subscription{
		e.relay.Subscribe(protocol.EventDraw, e.onRemote),
		e.relay.Subscribe(protocol.EventClear, e.onRemote),
		e.relay.Subscribe(protocol.EventUndo, e.onRemote),
		e.relay.Subscribe(protocol.EventRedo, e.onRemote),
	}
	e.relay.Join(e.room)

	return e
}

// ---------------------------------------------------------------------------
// Local operations
// ---------------------------------------------------------------------------

// BeginStroke starts a new local stroke at p and returns its id. Any redo
// history is discarded. Nothing is published until the stroke is extended or
// ended. A non-finite point is rejected and the empty id returned.
func (e *Engine) BeginStroke(p protocol.Point, color string, width float64) string {
	if !finite(p) {
		e.log.Warning("ignoring stroke starting at non-finite point %v", p)
		return ""
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ""
	}

	e.commitActiveLocked()

	ent := &entry{
		stroke: protocol.Stroke{ID: uuid.NewString(), Points: []protocol.Point{p}, Color: color, Width: width},
		local:  true,
	}
	e.active = ent
	e.pushLocked(ent)
	e.mu.Unlock()

	e.changed()
	return ent.stroke.ID
}

// ExtendStroke appends p to the active stroke and publishes the whole
// stroke. Without an active stroke, or for a non-finite point, it does
// nothing.
func (e *Engine) ExtendStroke(p protocol.Point) {
	if !finite(p) {
		e.log.Warning("ignoring non-finite point %v", p)
		return
	}

	e.mu.Lock()
	if e.closed || e.active == nil {
		e.mu.Unlock()
		return
	}

	e.active.stroke.Points = append(e.active.stroke.Points, p)
	e.publishLocked(e.active)
	e.mu.Unlock()

	e.changed()
}

// EndStroke makes the active stroke immutable. The last draw event already
// carries its final state; only a stroke that was never extended (a single
// point) is published here, so every member holds it.
func (e *Engine) EndStroke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commitActiveLocked()
}

// Clear empties the canvas and both stacks, including an unfinished stroke,
// and publishes clear.
func (e *Engine) Clear() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.clearLocked()
	e.relay.Publish(protocol.EventClear, e.room, protocol.Clear{})
	e.mu.Unlock()

	e.changed()
}

// Undo removes the most recent stroke and publishes undo. An unfinished
// stroke is ended first. With an empty history it does nothing and publishes
// nothing.
func (e *Engine) Undo() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.commitActiveLocked()
	ok := e.undoLocked()
	if ok {
		e.relay.Publish(protocol.EventUndo, e.room, protocol.Undo{})
	}
	e.mu.Unlock()

	if ok {
		e.changed()
	}
	return ok
}

// Redo restores the most recently undone stroke and publishes redo. With an
// empty redo stack it does nothing and publishes nothing.
func (e *Engine) Redo() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.commitActiveLocked()
	ok := e.redoLocked()
	if ok {
		e.relay.Publish(protocol.EventRedo, e.room, protocol.Redo{})
	}
	e.mu.Unlock()

	if ok {
		e.changed()
	}
	return ok
}

// ---------------------------------------------------------------------------
// Remote events
// ---------------------------------------------------------------------------

func (e *Engine) onRemote(ev relay.Event) {
	if ev.Room != "" && ev.Room != e.room {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	changed := false
	switch m := ev.Message.(type) {
	case protocol.Draw:
		changed = e.applyDrawLocked(m.Stroke)
	case protocol.Clear:
		e.clearLocked()
		changed = true
	case protocol.Undo:
		changed = e.undoLocked()
		if !changed {
			e.log.Debug("remote undo with empty history, ignoring")
		}
	case protocol.Redo:
		changed = e.redoLocked()
		if !changed {
			e.log.Debug("remote redo with empty redo stack, ignoring")
		}
	}
	e.mu.Unlock()

	if changed {
		e.changed()
	}
}

// applyDrawLocked merges a remote stroke snapshot. A snapshot of a stroke
// already known by id replaces its points when it has more of them; local
// finished strokes are never touched. Snapshots without an id are appended.
func (e *Engine) applyDrawLocked(st protocol.Stroke) bool {
	if st.ID == "" {
		e.pushLocked(&entry{stroke: st.Clone()})
		return true
	}

	if _, ok := e.retired[st.ID]; ok {
		e.log.Debug("ignoring snapshot of cleared stroke %s", st.ID)
		return false
	}

	if ent, ok := e.byID[st.ID]; ok {
		if ent.local {
			return false
		}
		if len(st.Points) <= len(ent.stroke.Points) {
			return false
		}
		ent.stroke = st.Clone()
		return e.visibleLocked(ent)
	}

	e.pushLocked(&entry{stroke: st.Clone()})
	return true
}

// ---------------------------------------------------------------------------
// History primitives (lock held)
// ---------------------------------------------------------------------------

// pushLocked adds a new stroke on top of the canvas and the undo stack and
// invalidates redo.
func (e *Engine) pushLocked(ent *entry) {
	e.strokes = append(e.strokes, ent)
	e.undo = append(e.undo, ent)
	if ent.stroke.ID != "" {
		e.byID[ent.stroke.ID] = ent
	}

	for _, r := range e.redo {
		e.forgetLocked(r)
	}
	e.redo = nil

	if over := len(e.undo) - e.limit; over > 0 {
		e.undo = append([]*entry(nil), e.undo[over:]...)
	}
}

func (e *Engine) undoLocked() bool {
	if len(e.undo) == 0 {
		return false
	}

	ent := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	e.strokes = remove(e.strokes, ent)
	e.redo = append(e.redo, ent)

	if ent == e.active {
		// Removed by a remote undo: end it without publishing.
		ent.committed = true
		e.active = nil
	}
	return true
}

func (e *Engine) redoLocked() bool {
	if len(e.redo) == 0 {
		return false
	}

	ent := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	e.strokes = append(e.strokes, ent)
	e.undo = append(e.undo, ent)
	return true
}

func (e *Engine) clearLocked() {
	for id := range e.byID {
		e.retireLocked(id)
	}
	e.byID = make(map[string]*entry)
	e.strokes = nil
	e.undo = nil
	e.redo = nil
	e.active = nil
}

// commitActiveLocked ends the active stroke, publishing it first when no
// draw event has carried it yet.
func (e *Engine) commitActiveLocked() {
	if e.active == nil {
		return
	}
	if !e.active.published {
		e.publishLocked(e.active)
	}
	e.active.committed = true
	e.active = nil
}

func (e *Engine) publishLocked(ent *entry) {
	ent.published = true
	e.relay.Publish(protocol.EventDraw, e.room, protocol.Draw{Stroke: ent.stroke.Clone()})
}

// retireLocked remembers id as gone for good, forgetting the oldest
// retired id beyond maxRetired.
func (e *Engine) retireLocked(id string) {
	if _, ok := e.retired[id]; ok {
		return
	}
	e.retired[id] = struct{}{}
	e.order = append(e.order, id)
	if len(e.order) > maxRetired {
		delete(e.retired, e.order[0])
		e.order = e.order[1:]
	}
}

func finite(p protocol.Point) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// forgetLocked drops a stroke that can never come back and retires its id.
func (e *Engine) forgetLocked(ent *entry) {
	if id := ent.stroke.ID; id != "" {
		delete(e.byID, id)
		e.retireLocked(id)
	}
}

func (e *Engine) visibleLocked(ent *entry) bool {
	for _, s := range e.strokes {
		if s == ent {
			return true
		}
	}
	return false
}

func remove(list []*entry, ent *entry) []*entry {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == ent {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

// ---------------------------------------------------------------------------
// Inspection and teardown
// ---------------------------------------------------------------------------

func snapshot(list []*entry) []protocol.Stroke {
	out := make([]protocol.Stroke, len(list))
	for i, ent := range list {
		out[i] = ent.stroke.Clone()
	}
	return out
}

// Strokes returns the visible strokes, oldest first.
func (e *Engine) Strokes() []protocol.Stroke {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.strokes)
}

// UndoStack returns the undoable strokes, bottom first.
func (e *Engine) UndoStack() []protocol.Stroke {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.undo)
}

// RedoStack returns the undone strokes, bottom first.
func (e *Engine) RedoStack() []protocol.Stroke {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.redo)
}

// Drawing reports whether a local stroke is in progress.
func (e *Engine) Drawing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Close stops applying remote events and leaves the room. Further calls to
// the engine are no-ops. It is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.active = nil
	e.mu.Unlock()

	for _, sub := range subs {
		e.relay.Unsubscribe(sub)
	}
	e.relay.Leave(e.room)
}
