// Package relayserver is a small room hub that speaks the collaboration
// relay protocol. Each client joins rooms; events it publishes are delivered
// to every other member of the room, best-effort.
package relayserver

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/1ureka/cowork/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server tracks connected clients and their room memberships.
type Server struct {
	log zerolog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	conns  map[*client]struct{}
	closed bool
}

// New creates an empty Server logging to log.
func New(log zerolog.Logger) *Server {
	return &Server{
		log:   log,
		rooms: make(map[string]map[*client]struct{}),
		conns: make(map[*client]struct{}),
	}
}

// Router returns the HTTP handler exposing /ws and /health.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeWS)
	r.Get("/health", s.serveHealth)

	return r
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	c := newClient(conn, s.log.With().Str("conn_id", uuid.NewString()).Logger())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.log.Info().Str("remote", r.RemoteAddr).Msg("Client connected")

	go c.writeLoop()
	defer func() {
		s.drop(c)
		c.close()
		c.log.Info().Msg("Client disconnected")
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close error")
			}
			return
		}
		s.handle(c, env)
	}
}

// handle applies one envelope published by c.
func (s *Server) handle(c *client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		msg, err := protocol.Decode(env)
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping membership event")
			return
		}
		switch m := msg.(type) {
		case protocol.Join:
			s.join(c, m.Room)
		case protocol.Leave:
			s.leave(c, m.Room)
		}
		return
	}

	out, ok := protocol.Forward(env)
	if !ok {
		c.log.Debug().Str("event", string(env.Event)).Msg("Dropping unroutable event")
		return
	}
	if out.Room == "" {
		c.log.Debug().Str("event", string(env.Event)).Msg("Dropping event without room")
		return
	}

	s.broadcast(c, out)
}

func (s *Server) join(c *client, room string) {
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	size := len(members)
	s.mu.Unlock()

	c.log.Info().Str("room", room).Int("members", size).Msg("Joined room")
}

func (s *Server) leave(c *client, room string) {
	s.mu.Lock()
	s.removeLocked(c, room)
	s.mu.Unlock()

	c.log.Info().Str("room", room).Msg("Left room")
}

func (s *Server) removeLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := s.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
}

// drop removes c from every room it joined.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for room := range c.rooms {
		s.removeLocked(c, room)
	}
	delete(s.conns, c)
}

// broadcast delivers env to every member of env.Room except the sender.
// A sender that is not a member cannot publish into the room.
func (s *Server) broadcast(from *client, env protocol.Envelope) {
	s.mu.RLock()
	members := s.rooms[env.Room]
	if _, ok := members[from]; !ok {
		s.mu.RUnlock()
		from.log.Debug().Str("room", env.Room).Str("event", string(env.Event)).Msg("Dropping event for unjoined room")
		return
	}
	targets := make([]*client, 0, len(members))
	for m := range members {
		if m != from {
			targets = append(targets, m)
		}
	}
	s.mu.RUnlock()

	for _, t := range targets {
		t.enqueue(env)
	}
}

// Close disconnects every client. ServeWS rejects connections afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.DisconnectAll()
}

// DisconnectAll drops every current connection. Clients are free to
// reconnect and must re-join their rooms.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// Members returns the number of connections joined to room.
func (s *Server) Members(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Stats reports the number of connected clients and non-empty rooms.
func (s *Server) Stats() (clients, rooms int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns), len(s.rooms)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	clients, rooms := s.Stats()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clients,
		"rooms":   rooms,
	})
}
