// Package signalling is the room relay: participants join a room over a
// WebSocket, receive its roster and exchange signalling envelopes addressed
// to one another. The relay never inspects SDP or candidates.
package signalling

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/service"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/sockets"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/utils"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Server wires the room sockets, the presence service and the admin API onto
// a fiber app.
//
// Timers:
//   - the roster of every room is rebroadcast each RosterInterval so a client
//     that missed an update converges
//   - participants whose heartbeats stopped are dropped every StaleAfter/3
type Server struct {
	app      *fiber.App
	config   atomic.Pointer[config.AppConfig]
	auth     *AuthHandler
	presence *service.PresenceService
	sockets  *sockets.SocketPool

	timersMu     sync.Mutex
	rosterTimer  utils.IntervalTimer
	staleCleaner utils.IntervalTimer
	closeOnce    sync.Once
}

func NewServer(cfg *config.AppConfig, app *fiber.App, presence *service.PresenceService) *Server {
	s := &Server{
		app:      app,
		presence: presence,
		sockets:  sockets.NewSocketPool(),
	}
	s.config.Store(cfg)
	s.auth = NewAuthHandler(s.Config)
	s.startTimers(cfg)
	return s
}

func (s *Server) Config() *config.AppConfig { return s.config.Load() }

// UpdateConfig swaps the configuration. Credentials and the announced peer
// connection config apply to the next join, intervals restart immediately.
func (s *Server) UpdateConfig(cfg *config.AppConfig) {
	s.config.Store(cfg)
	s.startTimers(cfg)
	slog.Info("relay configuration updated")
}

func (s *Server) startTimers(cfg *config.AppConfig) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.rosterTimer != nil {
		s.rosterTimer.Stop()
	}
	if s.staleCleaner != nil {
		s.staleCleaner.Stop()
	}

	rosterInterval := config.Millis(cfg.Server.RosterInterval)
	if rosterInterval <= 0 {
		rosterInterval = 5 * time.Second
	}
	cleanInterval := s.presence.StaleAfter() / 3
	s.rosterTimer = utils.SetIntervalTimer(rosterInterval, s.broadcastAll)
	s.staleCleaner = utils.SetIntervalTimer(cleanInterval, s.cleanStale)
}

// Close stops the timers and closes every socket.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.timersMu.Lock()
		s.rosterTimer.Stop()
		s.staleCleaner.Stop()
		s.timersMu.Unlock()
		s.sockets.Close()
	})
}

// SetupWebSocketsAndApi mounts every route.
//
//   - GET /ws/rooms/:room   room socket
//   - GET /api/admin/rooms  room status (basic auth, admin networks)
//   - GET /metrics          prometheus
func (s *Server) SetupWebSocketsAndApi() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.setupRoomSockets()
	s.setupAdminApi()

	handler := metrics.FastHTTPHandler()
	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		handler(c.Context())
		return nil
	})
}

func (s *Server) rosterMessage(room string, participants []domain.Participant) api.Envelope {
	cfg := s.Config()
	pcConfig := cfg.WebRTC.PeerConnectionConfig
	return api.Envelope{
		Type: api.MessageTypeRoster,
		Room: room,
		Roster: &api.RosterMessage{
			Participants: participants,
			PcConfig:     &pcConfig,
			PingInterval: cfg.Server.PingInterval,
		},
	}
}

// broadcast sends the roster of room to each of its sockets.
func (s *Server) broadcast(room string) {
	participants, err := s.presence.Roster(room)
	if err != nil {
		slog.Error("failed to list room", "room", room, "error", err)
		return
	}
	msg := s.rosterMessage(room, participants)
	for _, p := range participants {
		soc := s.sockets.GetSocket(sockets.ID(room, p.ID))
		if soc == nil || soc.Session() != p.SessionID {
			continue
		}
		if err := soc.WriteJSON(msg); err != nil {
			slog.Debug("failed to send roster", "room", room, "peer", p.ID, "error", err)
			continue
		}
		metrics.SignallingMessagesTotal.WithLabelValues(string(api.MessageTypeRoster), "out").Inc()
	}
}

func (s *Server) broadcastAll() {
	rooms, err := s.presence.Rooms()
	if err != nil {
		slog.Error("failed to list rooms", "error", err)
		return
	}
	for _, room := range rooms {
		s.broadcast(room)
	}
}

func (s *Server) cleanStale() {
	removed, err := s.presence.CleanupStale()
	if err != nil {
		slog.Error("failed to clean stale participants", "error", err)
		return
	}
	rooms := make(map[string]struct{})
	for _, p := range removed {
		slog.Info("dropping stale participant", "room", p.Room, "peer", p.ID, "session", p.SessionID)
		id := sockets.ID(p.Room, p.ID)
		if soc := s.sockets.GetSocket(id); soc != nil && soc.Session() == p.SessionID {
			s.sockets.CloseSocket(id)
		}
		rooms[p.Room] = struct{}{}
	}
	for room := range rooms {
		s.broadcast(room)
	}
}

// Kick disconnects peerID from room.
func (s *Server) Kick(room, peerID string) error {
	p, err := s.presence.Lookup(room, peerID)
	if err != nil {
		return err
	}
	s.sockets.CloseSocket(sockets.ID(room, peerID))
	if _, err := s.presence.Leave(room, peerID, p.SessionID); err != nil {
		return err
	}
	s.broadcast(room)
	return nil
}
