package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNoSession    = errors.New("no ws session")
	ErrSlowConsumer = errors.New("ws send buffer full")
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// wsConn is the write side of *websocket.Conn.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession owns the single writer goroutine of one connection.
type WSSession struct {
	id   models.ConnID
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *WSSession) ID() models.ConnID { return s.id }

// Done is closed once the session stops writing.
func (s *WSSession) Done() <-chan struct{} { return s.done }

func (s *WSSession) enqueue(msg []byte) error {
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *WSSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// WSRegistry maps connection handles to live sessions.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[models.ConnID]*WSSession
	buffer   int
}

func NewWSRegistry(buffer int) *WSRegistry {
	if buffer <= 0 {
		buffer = 64
	}
	return &WSRegistry{sessions: make(map[models.ConnID]*WSSession), buffer: buffer}
}

// Add registers conn under id and starts its writer.
func (r *WSRegistry) Add(id models.ConnID, conn wsConn) *WSSession {
	s := &WSSession{id: id, conn: conn, send: make(chan []byte, r.buffer), done: make(chan struct{})}
	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	go s.writeLoop()
	return s
}

func (r *WSRegistry) Remove(id models.ConnID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Send queues msg without blocking.
func (r *WSRegistry) Send(id models.ConnID, msg []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.enqueue(msg)
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
