package signalling

import (
	"errors"
	"log/slog"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/sockets"
	"github.com/gofiber/contrib/websocket"
)

const joinWait = 10 * time.Second

// session is one admitted room socket.
type session struct {
	room   string
	self   domain.Participant
	id     sockets.SocketID
	socket sockets.Socket
}

func (s *Server) setupRoomSockets() {
	s.app.Get("/ws/rooms/:room", websocket.New(func(c *websocket.Conn) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic in room socket", "error", err)
			}
		}()

		metrics.WebSocketConnectionsTotal.Inc()
		metrics.ActiveWebSocketConnections.Inc()
		defer metrics.ActiveWebSocketConnections.Dec()

		sess, ok := s.admit(c, c.Params("room"))
		if !ok {
			return
		}
		s.listenRoomSocket(c, sess)
	}))
}

func rejectJoin(c *websocket.Conn, code, message string) {
	_ = c.SetWriteDeadline(time.Now().Add(joinWait))
	_ = c.WriteJSON(api.Envelope{
		Type:  api.MessageTypeError,
		Error: &api.ErrorMessage{Code: code, Message: message},
	})
}

// admit reads the join frame, checks it and registers the participant. The
// first frame the client receives is either the roster or an error.
func (s *Server) admit(c *websocket.Conn, room string) (*session, bool) {
	addr := c.NetConn().RemoteAddr().String()
	if room == "" {
		rejectJoin(c, api.ErrorCodeBadRequest, "room is required")
		return nil, false
	}

	var join api.Envelope
	_ = c.SetReadDeadline(time.Now().Add(joinWait))
	if err := c.ReadJSON(&join); err != nil {
		slog.Debug("disconnected before join", "addr", addr, "error", err)
		return nil, false
	}
	_ = c.SetReadDeadline(time.Time{})
	metrics.SignallingMessagesTotal.WithLabelValues(string(join.Type), "in").Inc()

	if join.Type != api.MessageTypeJoin || join.Join == nil {
		rejectJoin(c, api.ErrorCodeBadRequest, "first message must be a join")
		return nil, false
	}
	p := join.Join.Participant
	if p.ID == "" || p.SessionID == "" {
		rejectJoin(c, api.ErrorCodeBadRequest, "participant id and session are required")
		return nil, false
	}
	if !s.auth.CheckRoomCredential(join.Join.Credential) {
		slog.Warn("join with incorrect credential", "addr", addr, "room", room, "peer", p.ID)
		rejectJoin(c, api.ErrorCodeAuth, "Forbidden. Incorrect credential")
		return nil, false
	}

	prev, replaced, err := s.presence.Join(room, p)
	if errors.Is(err, domain.ErrRoomFull) {
		slog.Info("room full", "room", room, "peer", p.ID)
		rejectJoin(c, api.ErrorCodeRoomFull, "room is full")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to join", "room", room, "peer", p.ID, "error", err)
		rejectJoin(c, api.ErrorCodeBadRequest, err.Error())
		return nil, false
	}
	p.Room = room

	sess := &session{
		room:   room,
		self:   p,
		id:     sockets.ID(room, p.ID),
		socket: sockets.NewSocket(c, p.SessionID),
	}

	roster, err := s.presence.Roster(room)
	if err != nil {
		slog.Error("failed to list room", "room", room, "error", err)
	}
	if err := sess.socket.WriteJSON(s.rosterMessage(room, roster)); err != nil {
		slog.Debug("failed to send first roster", "room", room, "peer", p.ID, "error", err)
		_, _ = s.presence.Leave(room, p.ID, p.SessionID)
		s.broadcast(room)
		return nil, false
	}

	s.sockets.AddSocket(sess.id, sess.socket)
	if replaced {
		slog.Info("session replaced", "room", room, "peer", p.ID, "old", prev.SessionID, "new", p.SessionID)
	} else {
		slog.Info("joined", "room", room, "peer", p.ID, "session", p.SessionID, "addr", addr)
	}
	s.broadcast(room)
	return sess, true
}

func (s *Server) listenRoomSocket(c *websocket.Conn, sess *session) {
	defer s.leave(sess)

	for {
		var env api.Envelope
		if err := c.ReadJSON(&env); err != nil {
			slog.Debug("room socket closed", "room", sess.room, "peer", sess.self.ID, "error", err)
			return
		}
		metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "in").Inc()

		switch env.Type {
		case api.MessageTypePing:
			if err := s.presence.Heartbeat(sess.room, sess.self.ID, sess.self.SessionID); err != nil {
				// replaced or dropped as stale
				return
			}
			_ = sess.socket.WriteJSON(api.Envelope{Type: api.MessageTypePong, Ping: env.Ping})
		case api.MessageTypeSignal:
			s.relay(sess, env)
		default:
			_ = sess.socket.WriteJSON(api.Envelope{
				Type:  api.MessageTypeError,
				Error: &api.ErrorMessage{Code: api.ErrorCodeBadRequest, Message: "unexpected " + string(env.Type)},
			})
		}
	}
}

// relay forwards env to its addressee. The sender fields are stamped from the
// socket so they cannot be spoofed. Envelopes for an absent peer or a session
// that is no longer current are dropped.
func (s *Server) relay(from *session, env api.Envelope) {
	env.Room = from.room
	env.From = from.self.ID
	env.FromSession = from.self.SessionID

	target := s.sockets.GetSocket(sockets.ID(from.room, env.To))
	if env.To == "" || target == nil || (env.ToSession != "" && target.Session() != env.ToSession) {
		metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "dropped").Inc()
		slog.Debug("dropping signal", "room", from.room, "from", env.From, "to", env.To, "toSession", env.ToSession)
		return
	}
	if err := target.WriteJSON(env); err != nil {
		metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "dropped").Inc()
		slog.Debug("failed to relay signal", "room", from.room, "to", env.To, "error", err)
		return
	}
	metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "relayed").Inc()
}

func (s *Server) leave(sess *session) {
	_ = sess.socket.Close()
	if !s.sockets.RemoveSocket(sess.id, sess.socket) {
		return
	}
	left, err := s.presence.Leave(sess.room, sess.self.ID, sess.self.SessionID)
	if err != nil {
		slog.Error("failed to leave", "room", sess.room, "peer", sess.self.ID, "error", err)
		return
	}
	if left {
		slog.Info("left", "room", sess.room, "peer", sess.self.ID, "session", sess.self.SessionID)
		s.broadcast(sess.room)
	}
}
