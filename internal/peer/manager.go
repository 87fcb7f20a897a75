// Package peer manages one WebRTC connection per remote participant: opening
// it, renegotiating local tracks in place, applying remote signals with
// perfect negotiation and closing it.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/utils"
)

var (
	ErrSignalingUnavailable = errors.New("signalling channel unavailable")
	ErrLinkClosed           = errors.New("peer link closed")
	ErrInvalidTransition    = errors.New("invalid peer link state transition")
)

// Signaler delivers envelopes to remote participants.
type Signaler interface {
	Ready() bool
	Send(ctx context.Context, env api.Envelope) error
}

// Hooks receive link events. Calls for one link are delivered in order and
// must not block on operations of the same link.
type Hooks struct {
	OnStateChange func(link *Link, state State)
	OnTrack       func(link *Link, track media.RemoteTrack)
	OnTrackState  func(link *Link, state api.TrackStateMessage)
}

type Manager struct {
	selfID      string
	selfSession string
	sig         Signaler
	factory     NativeFactory

	hooksMu sync.RWMutex
	h       Hooks

	links *utils.SyncMapWrapper[string, *Link]
}

type Option func(*Manager)

func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.h = h }
}

func NewManager(selfID, selfSession string, sig Signaler, factory NativeFactory, opts ...Option) *Manager {
	m := &Manager{
		selfID:      selfID,
		selfSession: selfSession,
		sig:         sig,
		factory:     factory,
		links:       utils.NewSyncMapWrapper[string, *Link](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SelfID() string      { return m.selfID }
func (m *Manager) SelfSession() string { return m.selfSession }

func (m *Manager) SetHooks(h Hooks) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.h = h
}

func (m *Manager) hooks() Hooks {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return m.h
}

// Link returns the current link to peerID, if any.
func (m *Manager) Link(peerID string) (*Link, bool) {
	return m.links.Load(peerID)
}

// Open creates the link to p and, on the impolite side, sends the initial offer.
func (m *Manager) Open(ctx context.Context, p domain.Participant, b media.Bundle) (*Link, error) {
	l, err := m.create(p, b)
	if err != nil {
		return nil, err
	}

	role := "answerer"
	if !l.polite {
		role = "offerer"
		if err := l.Negotiate(ctx); err != nil {
			_ = m.Close(l)
			return nil, fmt.Errorf("failed to start negotiation with %s: %w", p.ID, err)
		}
	}
	metrics.PeerLinksOpenedTotal.WithLabelValues(role).Inc()
	slog.Info("opened peer link", "peer", p.ID, "session", p.SessionID, "role", role)
	return l, nil
}

// Accept creates the link to p in answer to offer, whichever side is polite.
func (m *Manager) Accept(ctx context.Context, p domain.Participant, b media.Bundle, offer *api.SignalMessage) (*Link, error) {
	l, err := m.create(p, b)
	if err != nil {
		return nil, err
	}
	if err := l.HandleSignal(ctx, offer); err != nil {
		_ = m.Close(l)
		return nil, fmt.Errorf("failed to accept offer from %s: %w", p.ID, err)
	}
	metrics.PeerLinksOpenedTotal.WithLabelValues("answerer").Inc()
	slog.Info("accepted peer link", "peer", p.ID, "session", p.SessionID)
	return l, nil
}

func (m *Manager) create(p domain.Participant, b media.Bundle) (*Link, error) {
	if !m.sig.Ready() {
		return nil, ErrSignalingUnavailable
	}
	if prev, ok := m.links.Load(p.ID); ok && prev.State() != StateClosed {
		slog.Warn("replacing live peer link", "peer", p.ID)
		_ = m.Close(prev)
	}

	native, err := m.factory(p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	l := newLink(m, p, native)

	deferred := false
	for _, kind := range media.Kinds {
		var (
			s   Sender
			err error
		)
		if track := b.Track(kind); track != nil {
			s, err = native.AddTrack(track)
			deferred = deferred || !b.Enabled(kind)
		} else {
			s, err = native.AddTransceiver(kind)
		}
		if err != nil {
			_ = native.Close()
			return nil, fmt.Errorf("failed to add %s sender: %w", kind, err)
		}
		l.senders[kind] = s
	}
	// senders cannot drop their track before they have started
	if deferred {
		bundle := b
		l.deferred = &bundle
	}

	l.wire()
	m.links.Store(p.ID, l)
	metrics.ActivePeerLinks.Inc()
	return l, nil
}

// Renegotiate puts the bundle's tracks on the link's existing senders. Calls
// for one link run one at a time in arrival order.
func (m *Manager) Renegotiate(ctx context.Context, l *Link, b media.Bundle) error {
	l.renegMu.Lock()
	defer l.renegMu.Unlock()

	if l.State().Terminal() {
		metrics.RenegotiationsTotal.WithLabelValues("closed").Inc()
		return ErrLinkClosed
	}

	start := time.Now()
	l.mu.Lock()
	negotiated := l.negotiated
	if !negotiated {
		bundle := b
		l.deferred = &bundle
	}
	l.mu.Unlock()
	if !negotiated {
		metrics.RenegotiationsTotal.WithLabelValues("deferred").Inc()
		return nil
	}

	if err := l.applyBundleLocked(ctx, b); err != nil {
		metrics.RenegotiationsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.RenegotiationsTotal.WithLabelValues("ok").Inc()
	metrics.RenegotiationDuration.Observe(time.Since(start).Seconds())
	return nil
}

// SendTrackState tells the remote peer which local kinds are enabled.
func (m *Manager) SendTrackState(ctx context.Context, l *Link, st api.TrackStateMessage) error {
	if l.State() == StateClosed {
		return ErrLinkClosed
	}
	return l.send(ctx, api.SignalMessage{Kind: api.SignalKindTrackState, TrackState: &st})
}

// Close releases the link. Closing a closed link is a no-op.
func (m *Manager) Close(l *Link) error {
	if l == nil {
		return nil
	}
	m.links.CompareAndDelete(l.peerID, l)
	return l.close()
}

// CloseAll closes every link the manager knows.
func (m *Manager) CloseAll() {
	m.links.Range(func(_ string, l *Link) bool {
		if err := m.Close(l); err != nil {
			slog.Warn("failed to close peer link", "peer", l.peerID, "error", err)
		}
		return true
	})
}
