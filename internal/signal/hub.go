package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
)

// Hub is an in-process relay: rooms of channels exchanging envelopes without
// sockets. Joining with a peer ID already present takes over that session.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[string]*HubChannel
	now      func() time.Time
	dup      bool
	capacity int
}

type HubOption func(*Hub)

// WithClock stamps presence with now instead of time.Now.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithDuplicateDelivery delivers every signal twice.
func WithDuplicateDelivery() HubOption {
	return func(h *Hub) { h.dup = true }
}

func WithCapacity(n int) HubOption {
	return func(h *Hub) { h.capacity = n }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:    make(map[string]map[string]*HubChannel),
		now:      time.Now,
		capacity: domain.MaxRoomSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join registers p in room and returns its channel.
func (h *Hub) Join(room string, p domain.Participant) (*HubChannel, error) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*HubChannel)
		h.rooms[room] = members
	}
	prev := members[p.ID]
	if prev == nil && len(members) >= h.capacity {
		h.mu.Unlock()
		return nil, domain.ErrRoomFull
	}
	p.Room = room
	p.LastSeen = h.now()
	ch := &HubChannel{hub: h, room: room, self: p, inbox: newMailbox(), roster: newRosterFeed()}
	ch.ready.Store(true)
	members[p.ID] = ch
	h.mu.Unlock()

	if prev != nil {
		metrics.SessionTakeoversTotal.Inc()
		prev.shutdown()
	}
	h.Broadcast(room)
	return ch, nil
}

// Roster returns the participants of room.
func (h *Hub) Roster(room string) []domain.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked(room)
}

func (h *Hub) rosterLocked(room string) []domain.Participant {
	out := make([]domain.Participant, 0, len(h.rooms[room]))
	for _, ch := range h.rooms[room] {
		out = append(out, ch.self)
	}
	return sortedCopy(out)
}

// Broadcast sends the current roster of room to all its members.
func (h *Hub) Broadcast(room string) {
	h.mu.Lock()
	roster := h.rosterLocked(room)
	members := make([]*HubChannel, 0, len(h.rooms[room]))
	for _, ch := range h.rooms[room] {
		members = append(members, ch)
	}
	h.mu.Unlock()

	for _, ch := range members {
		ch.roster.publish(roster)
	}
}

// SetLastSeen overrides a participant's presence timestamp without a broadcast.
func (h *Hub) SetLastSeen(room, peerID string, t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.rooms[room][peerID]; ok {
		ch.self.LastSeen = t
	}
}

// Kick drops peerID from room as if its socket died, without closing the
// member's channel.
func (h *Hub) Kick(room, peerID string) {
	h.mu.Lock()
	_, ok := h.rooms[room][peerID]
	delete(h.rooms[room], peerID)
	h.mu.Unlock()
	if ok {
		h.Broadcast(room)
	}
}

func (h *Hub) route(env api.Envelope) {
	h.mu.Lock()
	target := h.rooms[env.Room][env.To]
	var session string
	if target != nil {
		session = target.self.SessionID
	}
	h.mu.Unlock()

	if target == nil || (env.ToSession != "" && session != env.ToSession) {
		metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "dropped").Inc()
		return
	}
	metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "relayed").Inc()
	target.inbox.push(env)
	if h.dup {
		target.inbox.push(env)
	}
}

func (h *Hub) leave(ch *HubChannel) {
	h.mu.Lock()
	current := h.rooms[ch.room][ch.self.ID] == ch
	if current {
		delete(h.rooms[ch.room], ch.self.ID)
	}
	h.mu.Unlock()
	if current {
		h.Broadcast(ch.room)
	}
}

func (h *Hub) touch(ch *HubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[ch.room][ch.self.ID] == ch {
		ch.self.LastSeen = h.now()
	}
}

// HubChannel is one member's view of a Hub room.
type HubChannel struct {
	hub    *Hub
	room   string
	self   domain.Participant // guarded by hub.mu
	ready  atomic.Bool
	closed atomic.Bool
	inbox  *mailbox
	roster *rosterFeed
	once   sync.Once
}

var _ Channel = (*HubChannel)(nil)

func (c *HubChannel) Ready() bool { return c.ready.Load() && !c.closed.Load() }

// SetReady simulates losing or regaining the connection to the relay.
func (c *HubChannel) SetReady(ready bool) { c.ready.Store(ready) }

func (c *HubChannel) Send(_ context.Context, env api.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.ready.Load() {
		return ErrNotReady
	}
	c.hub.mu.Lock()
	self := c.self
	c.hub.mu.Unlock()

	env.Room = c.room
	env.From = self.ID
	env.FromSession = self.SessionID
	c.hub.route(env)
	return nil
}

func (c *HubChannel) Inbox() <-chan api.Envelope          { return c.inbox.out }
func (c *HubChannel) Roster() <-chan []domain.Participant { return c.roster.out }

// Heartbeat refreshes this member's presence timestamp.
func (c *HubChannel) Heartbeat() { c.hub.touch(c) }

func (c *HubChannel) Close() error {
	c.hub.leave(c)
	c.shutdown()
	return nil
}

func (c *HubChannel) shutdown() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.inbox.close()
		c.roster.close()
	})
}
