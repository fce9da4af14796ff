package stream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "veda_ws_active_connections",
	Help: "Live WebSocket connections tracked by the registry.",
})

// Conn is the write side of a client connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Key identifies one user's view of one conversation.
type Key struct {
	UserID         string
	ConversationID string
}

// Registry WebSocket连接管理器，同一 Key 只保留最新的连接。
type Registry struct {
	mu    sync.RWMutex
	conns map[Key]Conn
}

// NewRegistry 创建连接管理器
func NewRegistry() *Registry {
	return &Registry{conns: make(map[Key]Conn)}
}

// Add registers conn, closing any connection it replaces.
func (r *Registry) Add(key Key, conn Conn) {
	r.mu.Lock()
	old, exists := r.conns[key]
	r.conns[key] = conn
	n := len(r.conns)
	r.mu.Unlock()

	if exists && old != conn {
		_ = old.Close()
	}
	activeConnections.Set(float64(n))
}

// Get returns the current connection for key.
func (r *Registry) Get(key Key) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[key]
	return conn, ok
}

// Remove drops key only while conn is still the registered connection,
// so a replaced connection cannot evict its successor.
func (r *Registry) Remove(key Key, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[key]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, key)
	activeConnections.Set(float64(len(r.conns)))
	return true
}

// CloseAll closes and forgets every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[Key]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	activeConnections.Set(0)
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
