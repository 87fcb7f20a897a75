package sockets

import (
	"sync"
	"time"
)

// SocketID addresses a participant's socket: "room/peer".
type SocketID string

func ID(room, peerID string) SocketID {
	return SocketID(room + "/" + peerID)
}

const writeWait = 10 * time.Second

// Conn is the part of a WebSocket connection a Socket writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Socket serializes writes to one connection. Session is the participant
// session that owns it.
type Socket interface {
	WriteJSON(v any) error
	Session() string
	Close() error
}

type socketImpl struct {
	mu      sync.Mutex
	conn    Conn
	session string
	closed  bool
}

func NewSocket(conn Conn, session string) Socket {
	return &socketImpl{conn: conn, session: session}
}

func (s *socketImpl) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *socketImpl) Session() string { return s.session }

func (s *socketImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
