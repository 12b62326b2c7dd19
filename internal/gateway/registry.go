// Package gateway accepts chat bridge connections over WebSocket, feeds their
// inbound messages to the bot and delivers the bot's replies.
package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Bridge represents a connected chat bridge
type Bridge struct {
	ID          string
	Platform    string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	LastSeen    time.Time
	mu          sync.Mutex
	writeMu     sync.Mutex // protects Conn writes
}

// Touch records activity from the bridge (thread-safe)
func (b *Bridge) Touch(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LastSeen = t
}

// GetLastSeen returns the last activity time (thread-safe)
func (b *Bridge) GetLastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.LastSeen
}

// WriteMessage sends a message on the bridge connection (thread-safe)
func (b *Bridge) WriteMessage(messageType int, data []byte, timeout time.Duration) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if timeout > 0 {
		b.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer b.Conn.SetWriteDeadline(time.Time{})
	}
	return b.Conn.WriteMessage(messageType, data)
}

// Registry tracks connected bridges and which bridge each chat came from
type Registry struct {
	bridges map[string]*Bridge
	routes  map[int64]string // chat id -> bridge id
	mu      sync.RWMutex
}

// NewRegistry creates a new bridge registry
func NewRegistry() *Registry {
	return &Registry{
		bridges: make(map[string]*Bridge),
		routes:  make(map[int64]string),
	}
}

// Register adds a bridge. A bridge reconnecting under the same id replaces
// the old connection.
func (r *Registry) Register(b *Bridge) *Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	b.ConnectedAt = now
	b.LastSeen = now
	old := r.bridges[b.ID]
	r.bridges[b.ID] = b
	return old
}

// Unregister removes a bridge if conn is still its current connection
func (r *Registry) Unregister(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bridges[id]; ok && b.Conn == conn {
		delete(r.bridges, id)
	}
}

// Get returns a bridge by id
func (r *Registry) Get(id string) *Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridges[id]
}

// Count returns the number of connected bridges
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// All returns all connected bridges ordered by id
func (r *Registry) All() []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Route remembers that chatID is served by bridgeID
func (r *Registry) Route(chatID int64, bridgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[chatID] = bridgeID
}

// Targets returns the bridges that should receive a message for chatID:
// the bridge the chat was last seen on, or every bridge when unknown.
func (r *Registry) Targets(chatID int64) []*Bridge {
	r.mu.RLock()
	id, ok := r.routes[chatID]
	var b *Bridge
	if ok {
		b = r.bridges[id]
	}
	r.mu.RUnlock()

	if b != nil {
		return []*Bridge{b}
	}
	return r.All()
}
