// Package protocol implements the Protocol Surface: the WebSocket
// transport, its JSON frame schemas, and the handler that turns inbound
// frames into Task Store / Task Control Graph / Correlator operations.
package protocol

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haas-oss/taskplane/internal/channelreg"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingPeriod      = 30 * time.Second
	maxMessageBytes = 1 << 20
)

// Session is the gorilla/websocket-backed channelreg.Conn implementation
// held by the Channel Registry for one connected client. A dedicated
// writer goroutine drains send so a slow reader never blocks a task's
// control goroutine.
type Session struct {
	clientID string
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	logger   *slog.Logger

	onFrame      func(raw []byte)
	onDisconnect func()
}

func newSession(clientID string, conn *websocket.Conn, queueSize int, logger *slog.Logger, onFrame func([]byte), onDisconnect func()) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		clientID:     clientID,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		onFrame:      onFrame,
		onDisconnect: onDisconnect,
	}
}

// Send enqueues a raw frame without blocking, satisfying channelreg.Conn.
func (s *Session) Send(data []byte) error {
	if s.closed.Load() {
		return channelreg.ErrNotConnected
	}
	select {
	case s.send <- data:
		return nil
	default:
		return channelreg.ErrBackpressure
	}
}

// Close tears the session down exactly once.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
		close(s.send)
	}
	return s.conn.Close()
}

// run drives the session until the connection closes or the read loop
// errors, then notifies onDisconnect so the caller can clean up the
// Channel Registry entry and fail any tasks bound to this client.
func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	_ = s.Close()
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.onFrame(data)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ channelreg.Conn = (*Session)(nil)
