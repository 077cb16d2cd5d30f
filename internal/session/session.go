package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errSessionClosed = errors.New("session: closed")

const writeTimeout = 10 * time.Second

// wsSession wraps one WebSocket connection. Writes come from the dispatch
// loop, the registry, and peer broadcasts, so they are serialized under a
// mutex; gorilla allows only one concurrent writer.
type wsSession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newSession(conn *websocket.Conn) *wsSession {
	return &wsSession{id: uuid.NewString(), conn: conn}
}

func (s *wsSession) ID() string { return s.id }

// Send writes one JSON frame. The first write error marks the session closed
// so later sends fail fast without touching the dead connection.
func (s *wsSession) Send(v any) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

func (s *wsSession) isClosed() bool {
	return s.closed.Load()
}

func (s *wsSession) markClosed() {
	s.closed.Store(true)
}

// closeWith sends a close control frame and closes the connection.
func (s *wsSession) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closed.Store(true)
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	s.conn.Close()
}
