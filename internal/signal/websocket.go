package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/cenkalti/backoff"
	"github.com/fasthttp/websocket"
)

// ErrJoinRejected is returned when the relay refuses the join frame.
var ErrJoinRejected = errors.New("relay rejected join")

const writeWait = 10 * time.Second

type WebSocketConfig struct {
	// URL is the relay base address, ws(s):// or http(s)://.
	URL        string
	Room       string
	Self       domain.Participant
	Credential string
	// PingInterval overrides the interval announced by the relay.
	PingInterval time.Duration
	ReconnectMax time.Duration
}

// WebSocketChannel is a client of the relay's room socket. It reconnects with
// backoff and is not Ready while disconnected.
type WebSocketChannel struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ready        atomic.Bool
	pingInterval atomic.Int64
	pcConfig     atomic.Pointer[api.PeerConnectionConfig]

	inbox  *mailbox
	roster *rosterFeed

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    atomic.Value
}

var _ Channel = (*WebSocketChannel)(nil)

// DialWebSocket joins the room and keeps the connection alive until Close.
// The first connection attempt is synchronous.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocketChannel, error) {
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &WebSocketChannel{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		inbox:  newMailbox(),
		roster: newRosterFeed(),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.pingInterval.Store(int64(5 * time.Second))
	if cfg.PingInterval > 0 {
		c.pingInterval.Store(int64(cfg.PingInterval))
	}

	conn, err := c.connect(ctx)
	if err != nil {
		cancel()
		c.shutdown()
		return nil, err
	}
	go c.run(conn)
	return c, nil
}

func (c *WebSocketChannel) url() string {
	baseUrl := strings.TrimRight(c.cfg.URL, "/")
	if strings.HasPrefix(baseUrl, "http") {
		baseUrl = "ws" + baseUrl[4:]
	}
	return baseUrl + "/ws/rooms/" + c.cfg.Room
}

func (c *WebSocketChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	slog.Debug("connecting to relay", "url", c.url())
	conn, _, err := c.dialer.DialContext(ctx, c.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	join := api.Envelope{
		Type: api.MessageTypeJoin,
		Room: c.cfg.Room,
		Join: &api.JoinMessage{Participant: c.cfg.Self, Credential: c.cfg.Credential},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send join: %w", err)
	}

	var first api.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read join reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case first.Type == api.MessageTypeError && first.Error != nil:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrJoinRejected, first.Error.Code, first.Error.Message)
	case first.Type != api.MessageTypeRoster || first.Roster == nil:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected %q reply", ErrJoinRejected, first.Type)
	}
	c.handle(first)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.ready.Store(true)
	slog.Info("joined room", "room", c.cfg.Room, "peer", c.cfg.Self.ID)
	return conn, nil
}

func (c *WebSocketChannel) run(conn *websocket.Conn) {
	defer close(c.done)
	defer c.shutdown()

	for {
		err := c.serve(conn)
		c.ready.Store(false)
		_ = conn.Close()
		if c.ctx.Err() != nil {
			return
		}
		slog.Warn("relay connection lost", "error", err)

		conn, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Error("giving up on relay", "error", err)
				c.err.Store(err)
			}
			return
		}
	}
}

func (c *WebSocketChannel) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	for {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
		conn, err := c.connect(c.ctx)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrJoinRejected) {
			return nil, err
		}
		slog.Debug("relay reconnect failed", "error", err)
	}
}

func (c *WebSocketChannel) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.handle(env)
	}
}

func (c *WebSocketChannel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	timer := time.NewTimer(time.Duration(c.pingInterval.Load()))
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			ping := api.Envelope{Type: api.MessageTypePing, Ping: &api.PingMessage{Timestamp: time.Now().UnixMilli()}}
			if err := c.write(conn, ping); err != nil {
				slog.Debug("failed to send ping", "error", err)
				_ = conn.Close()
				return
			}
			timer.Reset(time.Duration(c.pingInterval.Load()))
		}
	}
}

func (c *WebSocketChannel) handle(env api.Envelope) {
	switch env.Type {
	case api.MessageTypeRoster:
		if env.Roster == nil {
			return
		}
		if env.Roster.PcConfig != nil {
			c.pcConfig.Store(env.Roster.PcConfig)
		}
		if env.Roster.PingInterval > 0 && c.cfg.PingInterval == 0 {
			c.pingInterval.Store(int64(time.Duration(env.Roster.PingInterval) * time.Millisecond))
		}
		c.roster.publish(env.Roster.Participants)
	case api.MessageTypeSignal:
		if env.ToSession != "" && env.ToSession != c.cfg.Self.SessionID {
			return
		}
		c.inbox.push(env)
	case api.MessageTypeError:
		if env.Error != nil {
			slog.Warn("relay error", "code", env.Error.Code, "message", env.Error.Message)
		}
	case api.MessageTypePong:
	default:
		slog.Debug("unexpected relay message", "type", env.Type)
	}
}

func (c *WebSocketChannel) write(conn *websocket.Conn, env api.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *WebSocketChannel) Ready() bool { return c.ready.Load() }

// PeerConnectionConfig returns the ICE configuration the relay announced.
func (c *WebSocketChannel) PeerConnectionConfig() *api.PeerConnectionConfig {
	return c.pcConfig.Load()
}

func (c *WebSocketChannel) Send(_ context.Context, env api.Envelope) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	env.Room = c.cfg.Room
	env.From = c.cfg.Self.ID
	env.FromSession = c.cfg.Self.SessionID
	if err := c.write(conn, env); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

func (c *WebSocketChannel) Inbox() <-chan api.Envelope          { return c.inbox.out }
func (c *WebSocketChannel) Roster() <-chan []domain.Participant { return c.roster.out }

// Err returns why the channel stopped on its own, if it did.
func (c *WebSocketChannel) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

func (c *WebSocketChannel) Close() error {
	c.cancel()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	return nil
}

func (c *WebSocketChannel) shutdown() {
	c.ready.Store(false)
	c.inbox.close()
	c.roster.close()
}
