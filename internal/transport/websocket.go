package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the WebSocket endpoint prefix; the run id is appended.
const WebSocketPath = "/graph/ws"

// WebSocket reads one event per text frame from {base}/graph/ws/{runID}.
type WebSocket struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(opts Options) *WebSocket {
	return &WebSocket{opts: opts, dialer: websocket.DefaultDialer}
}

// Connect dials the run's WebSocket endpoint.
func (t *WebSocket) Connect(ctx context.Context, runID string) (Stream, error) {
	u, err := endpoint(t.opts.BaseURL, WebSocketPath, runID)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), t.opts.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, statusError(resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &wsStream{conn: conn, done: make(chan struct{})}
	// Closing the connection unblocks ReadMessage when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *wsStream) Next() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return nil, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
