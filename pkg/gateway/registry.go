package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/biblechat/internal/observability"
)

// Client is one websocket connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	IPAddress   string
	ConnectedAt time.Time

	// SessionID is the last session the client used. Frames without an
	// explicit id continue it.
	SessionID string

	writeMu sync.Mutex
}

// WriteJSON serializes writes on the connection
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientRegistry tracks connected websocket clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[client.ID]; !exists {
		observability.AddWebsocketClients(1)
	}
	r.clients[client.ID] = client
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[clientID]; exists {
		delete(r.clients, clientID)
		observability.AddWebsocketClients(-1)
	}
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}
