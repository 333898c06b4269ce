// Package channelreg implements the Channel Registry: one active
// connection per client identifier, with a bounded, non-blocking
// outbound queue so a slow or gone client never stalls a sending task.
package channelreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haas-oss/taskplane/internal/metrics"
)

// ErrBackpressure is returned by Send when a client's outbound queue is
// full.
var ErrBackpressure = errors.New("channelreg: send buffer full")

// ErrNotConnected is returned by Send when the client has no active
// connection.
var ErrNotConnected = errors.New("channelreg: client not connected")

// Conn is the transport handle a connection owns: a single outbound
// writer goroutine drains Send(), and Close tears the connection down.
// The concrete websocket session implements this; tests can use a fake.
type Conn interface {
	// Send enqueues a raw frame for the writer goroutine. It must not
	// block; if the connection's internal queue is full it returns
	// ErrBackpressure.
	Send(data []byte) error
	Close() error
}

type client struct {
	mu   sync.Mutex
	conn Conn
}

// Registry maps client identifiers to active connections.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*client
}

// New returns an empty Registry. m may be nil, in which case metrics are
// a no-op.
func New(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "channelreg"),
		metrics: m,
		clients: make(map[string]*client),
	}
}

// Connect registers handle as the active connection for clientID. If a
// prior connection exists it is replaced and closed.
func (r *Registry) Connect(clientID string, handle Conn) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if !ok {
		c = &client{}
		r.clients[clientID] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	prior := c.conn
	c.conn = handle
	c.mu.Unlock()

	if prior != nil {
		r.logger.Info("replacing connection", "client_id", clientID)
		_ = prior.Close()
	}
}

// Disconnect drops the connection for clientID, if any. Idempotent.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Send serializes frame to JSON and writes it to clientID's connection.
// It never blocks on a slow receiver: a full outbound queue surfaces as
// ErrBackpressure, and a missing/closed connection surfaces as
// ErrNotConnected. Per-client sends are serialized through the client's
// own lock, so frames for one client are never interleaved even when
// called concurrently from many task goroutines.
func (r *Registry) Send(clientID string, frame any) error {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("send failed: client not connected", "client_id", clientID, "connections", r.connectionCount())
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("channelreg: marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		r.logger.Debug("send failed: client not connected", "client_id", clientID, "connections", r.connectionCount())
		return ErrNotConnected
	}
	if err := c.conn.Send(data); err != nil {
		if errors.Is(err, ErrBackpressure) {
			if r.metrics != nil {
				r.metrics.ChannelBackpressure.Inc()
			}
			r.logger.Debug("send failed: backpressure", "client_id", clientID, "connections", r.connectionCount())
			return ErrBackpressure
		}
		r.logger.Debug("send failed: client not connected", "client_id", clientID, "connections", r.connectionCount())
		return ErrNotConnected
	}
	return nil
}

// connectionCount returns the number of clients currently registered,
// connected or not. Used only for diagnostic logging.
func (r *Registry) connectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IsConnected reports whether clientID currently has an active
// connection.
func (r *Registry) IsConnected(clientID string) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
