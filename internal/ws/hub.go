// Package ws is the WebSocket transport of the relay. It owns the sockets,
// the per-connection write pumps and the room primitive used for fan-out.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/christopherjohns/collabrelay/internal/message"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	ErrUnknownConn = errors.New("ws: unknown connection")
	ErrEmptyRoom   = errors.New("ws: empty room id")
)

// Client is one accepted WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	addr   string
	roomID string
}

// ID returns the connection id clients use to address this connection.
func (c *Client) ID() string {
	return c.id
}

// Hub indexes clients by id and groups them by room. A client is in at most
// one room; joining another room leaves the previous one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}
	conns   *ConnManager
	onJoin  func(roomID string, delta int)
	logger  zerolog.Logger
}

// NewHub creates a new Hub. The onJoin callback is called with +1/-1 when a
// client enters or leaves a room.
func NewHub(logger zerolog.Logger, onJoin func(roomID string, delta int), opts ...ConnManagerOption) *Hub {
	logger = logger.With().Str("component", "ws").Logger()
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]struct{}),
		conns:   NewConnManager(append([]ConnManagerOption{WithLogger(logger)}, opts...)...),
		onJoin:  onJoin,
		logger:  logger,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// addClient registers a client and starts its write pump. The returned
// context is cancelled when the client is removed; ok is false when the
// connection manager refused the client.
func (h *Hub) addClient(c *Client) (ctx context.Context, ok bool) {
	ctx = h.conns.Add(c)
	if ctx.Err() != nil {
		return ctx, false
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return ctx, true
}

// removeClient unregisters a client, takes it out of its room and stops its
// write pump.
func (h *Hub) removeClient(c *Client) {
	h.conns.Remove(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	left := h.leaveLocked(c)
	h.mu.Unlock()

	if left != "" && h.onJoin != nil {
		h.onJoin(left, -1)
	}
}

// leaveLocked removes c from its room and returns the room it left. Must be
// called while holding mu.
func (h *Hub) leaveLocked(c *Client) string {
	roomID := c.roomID
	if roomID == "" {
		return ""
	}
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	c.roomID = ""
	return roomID
}

// Join puts connection connID into roomID, leaving any previous room.
func (h *Hub) Join(connID, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}

	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}
	if c.roomID == roomID {
		h.mu.Unlock()
		return nil
	}
	left := h.leaveLocked(c)
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	c.roomID = roomID
	h.mu.Unlock()

	if h.onJoin != nil {
		if left != "" {
			h.onJoin(left, -1)
		}
		h.onJoin(roomID, 1)
	}
	return nil
}

// Emit queues ev for connID. It reports false when the connection is not
// on this hub or its send buffer is full.
func (h *Hub) Emit(connID string, ev message.Event) bool {
	data, err := message.Encode(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Name).Msg("encode failed")
		return false
	}

	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.conns.Send(c, data)
}

// EmitToRoom queues ev for every client in roomID except exceptConnID and
// returns the number of clients it was queued for.
func (h *Hub) EmitToRoom(roomID, exceptConnID string, ev message.Event) int {
	data, err := message.Encode(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Name).Msg("encode failed")
		return 0
	}

	h.mu.RLock()
	members := h.rooms[roomID]
	// Copy the set so we can release the lock before sending.
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c.id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if h.conns.Send(c, data) {
			sent++
		}
	}
	return sent
}

// RoomOf returns the room connID is in.
func (h *Hub) RoomOf(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok || c.roomID == "" {
		return "", false
	}
	return c.roomID, true
}

// clientCount returns the number of clients in a room.
func (h *Hub) clientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Count returns the number of connected clients, joined or not.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
