package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/randutil"

	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/util"
)

const (
	defaultQueueSize  = 256
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

// ErrClosed is returned by WaitConnected once the client has been closed.
var ErrClosed = errors.New("relay client closed")

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Dialer     *websocket.Dialer
	Header     http.Header
	QueueSize  int           // outbound envelopes buffered while connected
	MinBackoff time.Duration // first reconnect delay
	MaxBackoff time.Duration // reconnect delay cap
}

// Client keeps one logical connection to the relay for the whole process.
// It reconnects on its own and re-joins every room that still has a
// reference when the connection comes back.
//
// Handlers run on the client's reader goroutine, one event at a time.
type Client struct {
	url  string
	opts Options
	log  util.Logger
	rng  randutil.MathRandomGenerator

	registry Registry
	outbox   chan protocol.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	online    bool
	connected chan struct{} // closed while online, replaced on disconnect
	rooms     map[string]int

	closeOnce sync.Once
}

var _ Relay = (*Client)(nil)

// New creates a Client and starts connecting in the background. It never
// blocks on the network; use WaitConnected to wait for the first connection.
func New(ctx context.Context, url string, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}

	cCtx, cancel := context.WithCancel(ctx)

	c := &Client{
		url:       url,
		opts:      opts,
		log:       util.Component("relay"),
		rng:       randutil.NewMathRandomGenerator(),
		outbox:    make(chan protocol.Envelope, opts.QueueSize),
		ctx:       cCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		rooms:     make(map[string]int),
	}

	go c.run()

	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// WaitConnected blocks until the client is connected, ctx is done, or the
// client is closed.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once the connection loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops reconnecting and closes the current connection. It is safe to
// call more than once, and from inside a handler.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
	return nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (c *Client) Join(room string) {
	c.mu.Lock()
	c.rooms[room]++
	first := c.rooms[room] == 1
	online := c.online
	c.mu.Unlock()

	if first && online {
		c.Publish(protocol.EventJoinRoom, room, protocol.Join{Room: room})
	}
}

func (c *Client) Leave(room string) {
	c.mu.Lock()
	n, ok := c.rooms[room]
	if !ok {
		c.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(c.rooms, room)
	} else {
		c.rooms[room] = n - 1
	}
	online := c.online
	c.mu.Unlock()

	if last && online {
		c.Publish(protocol.EventLeaveRoom, room, protocol.Leave{Room: room})
	}
}

// Rooms returns the rooms that currently hold at least one reference.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// ---------------------------------------------------------------------------
// Publish / subscribe
// ---------------------------------------------------------------------------

// Publish enqueues an event for the writer goroutine. While disconnected, or
// when the queue is full, the event is dropped and counted.
func (c *Client) Publish(event protocol.Event, room string, msg protocol.Message) {
	env, err := protocol.Encode(event, room, msg)
	if err != nil {
		c.log.Room(room).Error("failed to encode %s: %v", event, err)
		return
	}

	c.mu.Lock()
	online := c.online
	c.mu.Unlock()

	if !online {
		util.Stats.AddDropped()
		c.log.Room(room).Debug("relay disconnected, dropping %s", event)
		return
	}

	select {
	case c.outbox <- env:
	default:
		util.Stats.AddDropped()
		c.log.Room(room).Warning("outbound queue full, dropping %s", event)
	}
}

func (c *Client) Subscribe(event protocol.Event, h Handler) *Subscription {
	return c.registry.Add(event, h, false)
}

func (c *Client) SubscribeOnce(event protocol.Event, h Handler) *Subscription {
	return c.registry.Add(event, h, true)
}

func (c *Client) Unsubscribe(sub *Subscription) {
	c.registry.Remove(sub)
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

// run dials, serves, and redials with jittered exponential backoff until the
// client is closed.
func (c *Client) run() {
	defer close(c.done)

	backoff := c.opts.MinBackoff
	everConnected := false

	for {
		conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.url, c.opts.Header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			wait := c.jitter(backoff)
			c.log.Warning("failed to connect to relay (retry in %s): %v", wait.Round(time.Millisecond), err)

			select {
			case <-time.After(wait):
			case <-c.ctx.Done():
				return
			}

			backoff = min(backoff*2, c.opts.MaxBackoff)
			continue
		}

		backoff = c.opts.MinBackoff
		if everConnected {
			util.Stats.AddReconnect()
			c.log.Info("reconnected to relay")
		} else {
			c.log.Info("connected to relay: %s", c.url)
		}
		everConnected = true

		err = c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warning("relay connection lost: %v", err)
	}
}

// jitter spreads d over [d/2, d).
func (c *Client) jitter(d time.Duration) time.Duration {
	half := int(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + c.rng.Intn(half))
}

// serve runs one connection until it fails. Joined rooms are replayed before
// any queued publish is written.
func (c *Client) serve(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return c.ctx.Err()
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	// Publishes accepted from here on wait in the outbox until the writer
	// starts, which is after the rooms have been replayed.
	c.conn = conn
	c.online = true
	close(c.connected)
	c.mu.Unlock()

	defer c.disconnect(conn)

	for _, room := range rooms {
		env, err := protocol.Encode(protocol.EventJoinRoom, room, protocol.Join{Room: room})
		if err != nil {
			return err
		}
		if err := c.write(conn, env); err != nil {
			return fmt.Errorf("failed to rejoin %s: %w", room, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	connCtx, connCancel := context.WithCancel(c.ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(connCtx, conn)
	}()
	defer func() {
		connCancel()
		<-writerDone
	}()

	return c.readLoop(conn)
}

// disconnect marks the client offline and discards envelopes queued for the
// dead connection.
func (c *Client) disconnect(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.online {
		c.online = false
		c.connected = make(chan struct{})
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	for {
		select {
		case <-c.outbox:
			util.Stats.AddDropped()
		default:
			return
		}
	}
}

// readLoop decodes every inbound envelope and hands it to the registry.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("failed to read relay message: %w", err)
		}
		util.Stats.AddReceived()

		msg, err := protocol.Decode(env)
		if err != nil {
			c.log.Room(env.Room).Debug("dropping inbound message: %v", err)
			continue
		}

		c.registry.Dispatch(Event{Name: env.Event, Room: env.Room, Message: msg})
	}
}

// writeLoop is the single writer for conn. It also keeps the connection
// alive with pings.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outbox:
			if err := c.write(conn, env); err != nil {
				c.log.Room(env.Room).Error("failed to send %s: %v", env.Event, err)
				util.Stats.AddDropped()
				conn.Close()
				return
			}
			util.Stats.AddPublished()

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				conn.Close()
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}
