package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket writes events as JSON text frames.
type WebSocket struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocket wraps an established connection. Close sends a normal
// closure frame and closes the connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (s *WebSocket) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	return nil
}

func (s *WebSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	return errors.Join(werr, s.conn.Close())
}
