package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Client is one open event stream. A non-empty DocumentID restricts it to
// activity of that document.
type Client struct {
	ClientID    string
	DocumentID  string
	ConnectedAt time.Time
	MessageChan chan *Message
}

// NewClient creates a stream client with a buffered message channel.
func NewClient(clientID, documentID string) *Client {
	return &Client{
		ClientID:    clientID,
		DocumentID:  documentID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

func (c *Client) wants(documentID string) bool {
	return c.DocumentID == "" || c.DocumentID == documentID
}

// Message is a single SSE frame.
type Message struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	DocumentID string          `json:"docId"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewMessage(documentID, event string, data json.RawMessage) *Message {
	return &Message{
		ID:         uuid.New().String(),
		Event:      event,
		DocumentID: documentID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds client, replacing and closing any stream with the same id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok && old != client {
		close(old.MessageChan)
	}
	h.clients[client.ClientID] = client
}

// Unregister removes client if it is still the registered stream for its id.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		close(c.MessageChan)
		delete(h.clients, client.ClientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an event to every client following documentID. Slow
// clients miss messages rather than block the sender.
func (h *Hub) Broadcast(documentID, event string, data json.RawMessage) {
	msg := NewMessage(documentID, event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.wants(documentID) {
			trySend(c, msg)
		}
	}
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

// Stop closes every stream.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.MessageChan)
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
