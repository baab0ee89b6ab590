package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TheGojiOG/LocalSM/internal/console"
)

// Message types sent to clients
const (
	TypeConsoleOutput    = "console_output"
	TypeLicenseAgreement = "license_agreement_required"
	TypeSessionInfo      = "session_info"
	TypeCommandResult    = "command_result"
	TypeError            = "error"
	TypeViewerJoined     = "viewer_joined"
	TypeViewerLeft       = "viewer_left"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 1024
)

var (
	errClientClosed = errors.New("client closed")
	errClientSlow   = errors.New("client send buffer full")
)

// EventsRoom receives every pipeline event regardless of instance
const EventsRoom = "events"

// ServerRoom returns the room carrying one instance's events
func ServerRoom(instanceID string) string {
	return "server:" + instanceID
}

// Message is the JSON frame exchanged with clients, one per websocket frame.
type Message struct {
	Type      string                 `json:"type"`
	Payload   interface{}            `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Client is one websocket viewer attached to a room.
type Client struct {
	ID       string
	Username string
	Conn     *websocket.Conn
	Room     string
	Send     chan *Message
	Hub      *Hub

	// OnMessage handles frames read from the connection
	OnMessage func(c *Client, msg *Message)

	mu     sync.Mutex
	closed bool
}

// NewClient prepares a client for conn in room. Messages queued with
// SendMessage before Serve are delivered first.
func NewClient(hub *Hub, conn *websocket.Conn, room, username string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Username: username,
		Conn:     conn,
		Room:     room,
		Send:     make(chan *Message, sendBuffer),
		Hub:      hub,
	}
}

// BroadcastMessage is a message addressed to every client of a room.
type BroadcastMessage struct {
	Room    string
	Message *Message
	Exclude *Client
}

// Hub routes pipeline events and viewer notifications to rooms. Room
// membership changes only on the Run goroutine.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[string]*Client

	join      chan *Client
	leave     chan *Client
	broadcast chan *BroadcastMessage
}

func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[string]map[*Client]bool),
		clients:   make(map[string]*Client),
		join:      make(chan *Client),
		leave:     make(chan *Client),
		broadcast: make(chan *BroadcastMessage, 1024),
	}
}

// Run processes joins, leaves and broadcasts until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.join:
			h.registerClient(c)
		case c := <-h.leave:
			h.unregisterClient(c)
		case bm := <-h.broadcast:
			h.broadcastToRoom(bm)
		case <-ctx.Done():
			log.Println("[WebSocket] Hub shutting down")
			h.shutdown()
			return
		}
	}
}

// Serve joins c to its room and pumps the connection until it closes.
func (h *Hub) Serve(c *Client) {
	h.join <- c
	go c.writePump()
	go c.readPump()
}

// AttachPipeline forwards pipeline events to the instance room and the
// events room. The returned func detaches it.
func (h *Hub) AttachPipeline(p *console.Pipeline) func() {
	return p.Subscribe(h.PublishEvent)
}

// PublishEvent queues a pipeline event without blocking the producer. Events
// are dropped when the hub is saturated.
func (h *Hub) PublishEvent(event console.Event) {
	msgType := TypeConsoleOutput
	if event.Kind == console.EventLicenseAgreementRequired {
		msgType = TypeLicenseAgreement
	}
	msg := &Message{
		Type:      msgType,
		Payload:   map[string]interface{}{"server_id": event.InstanceID, "line": event.Line},
		Timestamp: event.Time,
	}
	for _, room := range []string{ServerRoom(event.InstanceID), EventsRoom} {
		if h.GetRoomSize(room) > 0 {
			h.tryBroadcast(&BroadcastMessage{Room: room, Message: msg})
		}
	}
}

func (h *Hub) tryBroadcast(bm *BroadcastMessage) {
	select {
	case h.broadcast <- bm:
	default:
		log.Printf("[WebSocket] Broadcast queue full, dropping %s for %s", bm.Message.Type, bm.Room)
	}
}

func (h *Hub) viewerNotice(c *Client, msgType string, viewers int) *BroadcastMessage {
	return &BroadcastMessage{
		Room: c.Room,
		Message: &Message{
			Type:      msgType,
			Payload:   map[string]interface{}{"username": c.Username, "client_id": c.ID, "viewers": viewers},
			Timestamp: time.Now(),
		},
		Exclude: c,
	}
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	room := h.rooms[c.Room]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[c.Room] = room
	}
	room[c] = true
	h.clients[c.ID] = c
	viewers := len(room)
	h.mu.Unlock()

	log.Printf("[WebSocket] %s (%s) joined %s, %d viewer(s)", c.ID, c.Username, c.Room, viewers)
	h.tryBroadcast(h.viewerNotice(c, TypeViewerJoined, viewers))
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.Room]
	if !ok || !room[c] {
		h.mu.Unlock()
		return
	}
	delete(room, c)
	delete(h.clients, c.ID)
	viewers := len(room)
	if viewers == 0 {
		delete(h.rooms, c.Room)
	}
	h.mu.Unlock()

	c.closeSend()
	log.Printf("[WebSocket] %s left %s, %d viewer(s)", c.ID, c.Room, viewers)
	if viewers > 0 {
		h.tryBroadcast(h.viewerNotice(c, TypeViewerLeft, viewers))
	}
}

func (h *Hub) broadcastToRoom(bm *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[bm.Room] {
		if c == bm.Exclude {
			continue
		}
		if err := c.enqueue(bm.Message); err != nil {
			log.Printf("[WebSocket] Dropping %s for %s: %v", bm.Message.Type, c.ID, err)
		}
	}
}

// GetRoomSize returns the number of clients in a room
func (h *Hub) GetRoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		c.closeSend()
		if c.Conn != nil {
			c.Conn.Close()
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.clients = make(map[string]*Client)
}

// SendMessage queues a message for this client only.
func (c *Client) SendMessage(msgType string, payload interface{}) error {
	return c.enqueue(&Message{Type: msgType, Payload: payload, Timestamp: time.Now()})
}

func (c *Client) enqueue(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.Send <- msg:
		return nil
	default:
		return errClientSlow
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.leave <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WebSocket] Read error from %s: %v", c.ID, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.SendMessage(TypeError, map[string]string{"error": "invalid message"})
			continue
		}
		msg.Timestamp = time.Now()
		if c.OnMessage != nil {
			c.OnMessage(c, &msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
