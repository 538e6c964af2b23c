package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/squadlive/backend/internal/auth"
	"github.com/squadlive/backend/internal/protocol"
)

// Client is one connected peer. Outbound delivery goes through a
// buffered send channel drained by a write pump, so one slow consumer
// never blocks a room.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity

	mu sync.Mutex
	// joinedAs maps room -> playerId the connection joined with
	// (empty for trainers and observers).
	joinedAs map[string]string
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Identity returns the authenticated identity of the connection.
func (c *Client) Identity() auth.Identity {
	return c.identity
}

func (c *Client) setJoined(room, playerID string) {
	c.mu.Lock()
	c.joinedAs[room] = playerID
	c.mu.Unlock()
}

func (c *Client) clearJoined(room string) (playerID string, joined bool) {
	c.mu.Lock()
	playerID, joined = c.joinedAs[room]
	delete(c.joinedAs, room)
	c.mu.Unlock()
	return playerID, joined
}

func (c *Client) joinedPlayer(room string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedAs[room]
}

// Hub is the broadcast fan-out: rooms keyed by session id (or
// "bundle:<id>") with best-effort at-least-once delivery per
// connection. A client whose buffer stays full is disconnected rather
// than stalling everyone else.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	sendBuffer int
}

func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		sendBuffer: sendBuffer,
	}
}

// AddClient registers a connection and starts its write pump.
func (h *Hub) AddClient(conn *websocket.Conn, identity auth.Identity) *Client {
	c := &Client{
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		identity: identity,
		joinedAs: make(map[string]string),
	}
	if conn != nil {
		go c.writePump()
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

// RemoveClient drops the connection from every room and closes its send
// channel. Safe to call more than once.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
	h.mu.Unlock()
}

// Subscribe adds the client to a room. Events published after Subscribe
// returns are guaranteed to reach the client, which is what makes the
// subscribe-then-snapshot join sequence gap-free.
func (h *Hub) Subscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
}

// Unsubscribe removes the client from a room.
func (h *Hub) Unsubscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// EvictPlayer unsubscribes every connection joined to room as playerID.
func (h *Hub) EvictPlayer(room, playerID string) {
	h.mu.RLock()
	var evict []*Client
	for c := range h.rooms[room] {
		if c.joinedPlayer(room) == playerID {
			evict = append(evict, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range evict {
		c.clearJoined(room)
		h.Unsubscribe(c, room)
	}
}

// Publish delivers msg to every connection in the room, best effort.
func (h *Hub) Publish(room string, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("publish marshal error: %v", err)
		return
	}

	// Sends happen under the read lock: the channel is only ever closed
	// under the write lock, so a queued send cannot race a close.
	h.mu.RLock()
	var slow []*Client
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it rather than stall the room.
		log.Printf("ws client too slow, disconnecting")
		h.RemoveClient(c)
	}
}

// Send queues msg directly to one connection, best effort.
func (h *Hub) Send(c *Client, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("send marshal error: %v", err)
		return
	}
	h.mu.RLock()
	slow := false
	if h.clients[c] {
		select {
		case c.send <- data:
		default:
			slow = true
		}
	}
	h.mu.RUnlock()
	if slow {
		log.Printf("ws client too slow, disconnecting")
		h.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
