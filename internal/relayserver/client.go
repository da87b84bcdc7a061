package relayserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/1ureka/cowork/internal/protocol"
)

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

// client is one connected WebSocket. Writes go through a single goroutine.
type client struct {
	conn *websocket.Conn
	log  zerolog.Logger
	send chan protocol.Envelope
	quit chan struct{}

	// rooms is guarded by Server.mu.
	rooms map[string]struct{}

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, log zerolog.Logger) *client {
	return &client{
		conn:  conn,
		log:   log,
		send:  make(chan protocol.Envelope, sendBufferSize),
		quit:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

// enqueue hands env to the writer. A slow client loses messages rather than
// stalling the room.
func (c *client) enqueue(env protocol.Envelope) {
	select {
	case <-c.quit:
	case c.send <- env:
	default:
		c.log.Warn().Str("event", string(env.Event)).Msg("Send buffer full, dropping message")
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Error().Err(err).Msg("Error sending message")
				c.close()
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}
