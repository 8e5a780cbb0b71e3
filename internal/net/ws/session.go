package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// subscriber serializes writes to one websocket connection. The read loop is
// single-goroutine by construction; writes can come from the serve loop and
// the heartbeat path, so they take the mutex.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{conn: conn}
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *subscriber) close(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	s.mu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, message)
	s.mu.Unlock()
	s.conn.Close()
}
