package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/cowork/internal/media"
	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/relay"
	"github.com/1ureka/cowork/internal/util"
)

var (
	ErrMediaNotReady = errors.New("local media not ready")
	ErrMediaPending  = errors.New("local media acquisition in progress")
	ErrClosed        = errors.New("negotiator closed")
)

// Options configures a Negotiator.
type Options struct {
	Room    string
	Relay   relay.Relay
	Source  media.Source
	Factory Factory

	// OnRemoteTrack receives the remote participant's tracks.
	OnRemoteTrack func(media.RemoteTrack)
	// OnStateChange is called with the lock held; it must not call back into
	// the Negotiator.
	OnStateChange func(State)
}

// Negotiator keeps at most one media session for its room and relays the
// signals for it. All methods are safe for concurrent use; relay handlers and
// session callbacks are checked against the current session generation so
// nothing from a discarded session takes effect.
type Negotiator struct {
	room    string
	relay   relay.Relay
	source  media.Source
	factory Factory
	onTrack func(media.RemoteTrack)
	onState func(State)
	log     util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	closed    bool
	acquiring bool
	stream    *media.LocalStream
	subs      []*relay.Subscription
	onceSub   *relay.Subscription // receiving-signal listener of the current initiator attempt
	joined    bool

	// gen identifies the current session attempt. It changes whenever a
	// session is started or discarded.
	gen           uint64
	pending       bool // NewSession in progress for gen
	session       Session
	role          Role
	remoteApplied bool
	early         *relay.Event // remote signal that arrived while NewSession was running
}

// New creates an idle Negotiator. Nothing is subscribed or joined until
// PrepareLocalMedia succeeds.
func New(ctx context.Context, opts Options) *Negotiator {
	nCtx, cancel := context.WithCancel(ctx)

	return &Negotiator{
		room:    opts.Room,
		relay:   opts.Relay,
		source:  opts.Source,
		factory: opts.Factory,
		onTrack: opts.OnRemoteTrack,
		onState: opts.OnStateChange,
		log:     util.Component("call").Room(opts.Room),
		ctx:     nCtx,
		cancel:  cancel,
	}
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Role returns the role of the current session, and false when there is none.
func (n *Negotiator) Role() (Role, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role, n.session != nil || n.pending
}

func (n *Negotiator) setStateLocked(s State) {
	if n.state == s {
		return
	}
	n.log.Debug("state %s -> %s", n.state, s)
	n.state = s
	if n.onState != nil {
		n.onState(s)
	}
}

// ---------------------------------------------------------------------------
// Local media
// ---------------------------------------------------------------------------

// PrepareLocalMedia acquires the local stream, then joins the room and starts
// listening for callers. A failed acquisition returns an error wrapping
// *media.AcquisitionError and leaves the negotiator Idle; calling again
// retries. Calling it once media is ready is a no-op.
func (n *Negotiator) PrepareLocalMedia(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return ErrClosed
	case n.stream != nil:
		n.mu.Unlock()
		return nil
	case n.acquiring:
		n.mu.Unlock()
		return ErrMediaPending
	}
	n.acquiring = true
	n.setStateLocked(StateAwaitingLocalMedia)
	n.mu.Unlock()

	stream, err := n.source.GetLocalStream(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.acquiring = false

	if n.closed {
		if stream != nil {
			stream.Stop()
		}
		return ErrClosed
	}

	if err != nil {
		n.setStateLocked(StateIdle)

		var acqErr *media.AcquisitionError
		if !errors.As(err, &acqErr) {
			err = &media.AcquisitionError{Device: "camera and microphone", Err: err}
		}
		n.log.Warning("%v", err)
		return fmt.Errorf("failed to prepare local media: %w", err)
	}

	n.stream = stream
	n.subs = append(n.subs,
		n.relay.Subscribe(protocol.EventUserJoined, n.onUserJoined),
		n.relay.Subscribe(protocol.EventReceivingReturnedSignal, n.onRemoteSignal),
	)
	if !n.joined {
		n.relay.Join(n.room)
		n.joined = true
	}
	n.setStateLocked(StateAwaitingRemoteJoin)
	n.log.Info("local media ready, waiting for a caller")

	return nil
}

// ---------------------------------------------------------------------------
// Initiator
// ---------------------------------------------------------------------------

// StartAsInitiator opens a session as Initiator and publishes its signal on
// send-signal. It requires local media. While a session exists (or is being
// created) it does nothing.
func (n *Negotiator) StartAsInitiator(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return ErrClosed
	case n.stream == nil:
		n.mu.Unlock()
		return ErrMediaNotReady
	case n.session != nil || n.pending:
		n.mu.Unlock()
		n.log.Debug("session already active, ignoring start")
		return nil
	}

	gen := n.beginSessionLocked(Initiator)
	n.remoteApplied = false
	n.onceSub = n.relay.SubscribeOnce(protocol.EventReceivingSignal, n.onRemoteSignal)
	n.setStateLocked(StateInitiating)
	stream := n.stream
	n.mu.Unlock()

	sess, err := n.factory.NewSession(ctx, SessionConfig{
		Role:     Initiator,
		Stream:   stream,
		OnSignal: n.signalSink(gen, protocol.EventSendSignal),
		OnTrack:  n.trackSink(gen),
	})

	if err := n.finishSession(gen, sess, err); err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}
	n.log.Info("calling room")
	return nil
}

// beginSessionLocked reserves the session slot for a new attempt.
func (n *Negotiator) beginSessionLocked(role Role) uint64 {
	n.dropOnceLocked()
	n.gen++
	n.pending = true
	n.early = nil
	n.role = role
	return n.gen
}

// finishSession stores a session created for gen, or discards it when the
// attempt has been superseded in the meantime.
func (n *Negotiator) finishSession(gen uint64, sess Session, err error) error {
	n.mu.Lock()

	current := n.gen == gen && !n.closed
	if current {
		n.pending = false
	}

	if err != nil {
		if current {
			n.early = nil
			n.dropOnceLocked()
			n.setStateLocked(StateAwaitingRemoteJoin)
		}
		n.mu.Unlock()
		return err
	}

	if !current {
		n.mu.Unlock()
		sess.Close()
		return ErrClosed
	}

	n.session = sess
	early := n.early
	n.early = nil
	if early != nil {
		n.remoteApplied = true
	}
	n.mu.Unlock()

	if early != nil {
		n.applyRemote(sess, gen, *early)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Relay handlers
// ---------------------------------------------------------------------------

// onUserJoined answers a caller: it opens a Responder session, applies the
// caller's signal and publishes the answer on return-signal.
func (n *Negotiator) onUserJoined(ev relay.Event) {
	sig, ok := ev.Message.(protocol.Signal)
	if !ok {
		return
	}

	n.mu.Lock()
	switch {
	case n.closed || !n.forRoom(ev.Room):
		n.mu.Unlock()
		return
	case n.stream == nil:
		n.mu.Unlock()
		n.log.Debug("caller joined before local media is ready, ignoring")
		return
	case n.session != nil || n.pending:
		n.mu.Unlock()
		n.log.Debug("session already active, ignoring caller")
		return
	}

	gen := n.beginSessionLocked(Responder)
	n.remoteApplied = true
	n.setStateLocked(StateNegotiating)
	stream := n.stream
	n.mu.Unlock()

	n.log.Info("answering caller")

	sess, err := n.factory.NewSession(n.ctx, SessionConfig{
		Role:     Responder,
		Stream:   stream,
		OnSignal: n.signalSink(gen, protocol.EventReturnSignal),
		OnTrack:  n.trackSink(gen),
	})
	if err := n.finishSession(gen, sess, err); err != nil {
		if !errors.Is(err, ErrClosed) {
			n.log.Error("failed to answer caller: %v", err)
		}
		return
	}

	if err := sess.Signal(sig.Signal); err != nil {
		n.log.Warning("dropping malformed caller signal: %v", err)
	}
}

// onRemoteSignal applies the remote side's signal to the current session,
// once per session. A signal that arrives while the session is still being
// created is held for it; signals without any session are orphans and are
// dropped.
func (n *Negotiator) onRemoteSignal(ev relay.Event) {
	if _, ok := ev.Message.(protocol.Signal); !ok {
		return
	}

	n.mu.Lock()
	if n.closed || !n.forRoom(ev.Room) {
		n.mu.Unlock()
		return
	}
	if n.remoteApplied || (n.pending && n.early != nil) {
		n.mu.Unlock()
		n.log.Debug("dropping duplicate %s", ev.Name)
		return
	}
	if n.session == nil && n.pending {
		// The session emitted its signal before NewSession returned and the
		// answer is already here; finishSession applies it.
		n.early = &ev
		n.mu.Unlock()
		n.log.Debug("holding %s until the session is ready", ev.Name)
		return
	}
	if n.session == nil {
		n.mu.Unlock()
		n.log.Debug("dropping orphan %s: no active session", ev.Name)
		return
	}
	n.remoteApplied = true
	sess, gen := n.session, n.gen
	n.mu.Unlock()

	n.applyRemote(sess, gen, ev)
}

// applyRemote hands the remote signal to sess and marks the call connected.
func (n *Negotiator) applyRemote(sess Session, gen uint64, ev relay.Event) {
	sig, ok := ev.Message.(protocol.Signal)
	if !ok {
		return
	}

	err := sess.Signal(sig.Signal)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.gen != gen {
		return
	}
	if err != nil {
		n.log.Warning("dropping malformed %s: %v", ev.Name, err)
		return
	}
	n.setStateLocked(StateConnected)
	n.log.Info("call connected")
}

// dropOnceLocked removes the one-shot listener left by an earlier attempt.
func (n *Negotiator) dropOnceLocked() {
	if n.onceSub != nil {
		n.relay.Unsubscribe(n.onceSub)
		n.onceSub = nil
	}
}

// forRoom reports whether an event delivered for room belongs to this
// negotiator. Relays that omit the room are trusted.
func (n *Negotiator) forRoom(room string) bool {
	return room == "" || room == n.room
}

// ---------------------------------------------------------------------------
// Session callbacks
// ---------------------------------------------------------------------------

// signalSink publishes local signals of session gen on event.
func (n *Negotiator) signalSink(gen uint64, event protocol.Event) func(json.RawMessage) {
	return func(signal json.RawMessage) {
		n.mu.Lock()
		defer n.mu.Unlock()

		if n.closed || n.gen != gen {
			n.log.Debug("dropping signal from a discarded session")
			return
		}

		n.relay.Publish(event, n.room, protocol.Signal{Signal: signal, Room: n.room})

		switch {
		case event == protocol.EventSendSignal && n.state == StateInitiating:
			n.setStateLocked(StateNegotiating)
		case event == protocol.EventReturnSignal:
			n.setStateLocked(StateConnected)
			n.log.Info("call connected")
		}
	}
}

// trackSink forwards remote tracks of session gen to the configured sink.
func (n *Negotiator) trackSink(gen uint64) func(media.RemoteTrack) {
	return func(track media.RemoteTrack) {
		n.mu.Lock()
		current := !n.closed && n.gen == gen
		n.mu.Unlock()

		if !current {
			return
		}
		n.log.Info("receiving remote %s track", track.Kind)
		if n.onTrack != nil {
			n.onTrack(track)
		}
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Hangup closes the current session but stays in the room, ready to call or
// be called again.
func (n *Negotiator) Hangup() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	sess := n.session
	n.session = nil
	n.pending = false
	n.remoteApplied = false
	n.early = nil
	n.gen++
	n.dropOnceLocked()
	if n.stream != nil {
		n.setStateLocked(StateAwaitingRemoteJoin)
	} else {
		n.setStateLocked(StateIdle)
	}
	n.mu.Unlock()

	if sess == nil {
		return nil
	}
	n.log.Info("call ended")
	return sess.Close()
}

// Teardown closes the session, stops local media, unsubscribes every handler
// and leaves the room. Nothing delivered afterwards has any effect. It is
// idempotent.
func (n *Negotiator) Teardown() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.gen++
	n.early = nil

	subs := n.subs
	if n.onceSub != nil {
		subs = append(subs, n.onceSub)
	}
	n.subs = nil
	n.onceSub = nil
	sess := n.session
	n.session = nil
	stream := n.stream
	n.stream = nil
	joined := n.joined
	n.joined = false

	n.setStateLocked(StateClosed)
	n.mu.Unlock()

	for _, sub := range subs {
		n.relay.Unsubscribe(sub)
	}
	if joined {
		n.relay.Leave(n.room)
	}
	n.cancel()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	if stream != nil {
		stream.Stop()
	}
	return err
}
