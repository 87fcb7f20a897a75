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
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Link is the connection to one remote participant session.
//
// Lock order: renegMu, then negMu, then mu. mu is never held while calling
// into the native connection or the signaller. hookMu only orders hook delivery.
type Link struct {
	manager *Manager

	peerID        string
	remoteSession string
	polite        bool
	native        Native
	createdAt     time.Time

	// senders is written by Open before the link is published and by
	// Renegotiate under renegMu.
	senders map[webrtc.RTPCodecType]Sender

	renegMu sync.Mutex
	negMu   sync.Mutex
	hookMu  sync.Mutex

	mu                sync.Mutex
	state             State
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	descSent          bool
	localCandidates   []webrtc.ICECandidateInit
	lastRemoteOffer   string
	negotiated        bool
	negotiationNeeded bool
	deferred          *media.Bundle
	remoteTracks      []media.RemoteTrack

	closeOnce sync.Once
}

func newLink(m *Manager, p domain.Participant, native Native) *Link {
	return &Link{
		manager:       m,
		peerID:        p.ID,
		remoteSession: p.SessionID,
		polite:        m.selfID > p.ID,
		native:        native,
		createdAt:     time.Now(),
		senders:       make(map[webrtc.RTPCodecType]Sender),
		state:         StateNew,
	}
}

func (l *Link) PeerID() string        { return l.peerID }
func (l *Link) RemoteSession() string { return l.remoteSession }

// Polite reports whether this side yields on offer collisions.
func (l *Link) Polite() bool { return l.polite }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) SignalingState() webrtc.SignalingState {
	return l.native.SignalingState()
}

// Negotiated reports whether a full offer/answer exchange has completed.
func (l *Link) Negotiated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiated
}

func (l *Link) RemoteTracks() []media.RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]media.RemoteTrack, len(l.remoteTracks))
	copy(out, l.remoteTracks)
	return out
}

// Sender returns the outgoing sender for kind, if any.
func (l *Link) Sender(kind webrtc.RTPCodecType) Sender {
	l.renegMu.Lock()
	defer l.renegMu.Unlock()
	return l.senders[kind]
}

// RequestKeyframe asks the remote sender of ssrc for a fresh keyframe.
func (l *Link) RequestKeyframe(ssrc uint32) error {
	if l.State() == StateClosed {
		return ErrLinkClosed
	}
	return l.native.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (l *Link) wire() {
	l.native.OnICECandidate(l.onLocalCandidate)
	l.native.OnConnectionStateChange(l.handleNativeState)
	l.native.OnTrack(func(track media.RemoteTrack) {
		l.mu.Lock()
		l.remoteTracks = append(l.remoteTracks, track)
		l.mu.Unlock()

		l.hookMu.Lock()
		defer l.hookMu.Unlock()
		if h := l.manager.hooks().OnTrack; h != nil {
			h(l, track)
		}
	})
}

func (l *Link) onLocalCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		return
	}
	l.mu.Lock()
	if !l.descSent {
		l.localCandidates = append(l.localCandidates, *candidate)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	c := *candidate
	if err := l.send(context.Background(), api.SignalMessage{Kind: api.SignalKindCandidate, Candidate: &c}); err != nil {
		slog.Warn("failed to send ice candidate", "peer", l.peerID, "error", err)
	}
}

// markDescriptionSent releases candidates gathered before the first
// description reached the remote side.
func (l *Link) markDescriptionSent(ctx context.Context) {
	l.mu.Lock()
	if l.descSent {
		l.mu.Unlock()
		return
	}
	l.descSent = true
	buffered := l.localCandidates
	l.localCandidates = nil
	l.mu.Unlock()

	for i := range buffered {
		c := buffered[i]
		if err := l.send(ctx, api.SignalMessage{Kind: api.SignalKindCandidate, Candidate: &c}); err != nil {
			slog.Warn("failed to send buffered ice candidate", "peer", l.peerID, "error", err)
		}
	}
}

func (l *Link) send(ctx context.Context, msg api.SignalMessage) error {
	sig := l.manager.sig
	if !sig.Ready() {
		return ErrSignalingUnavailable
	}
	env := api.Envelope{
		Type:        api.MessageTypeSignal,
		From:        l.manager.selfID,
		FromSession: l.manager.selfSession,
		To:          l.peerID,
		ToSession:   l.remoteSession,
		Signal:      &msg,
	}
	if err := sig.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind, err)
	}
	metrics.SignallingMessagesTotal.WithLabelValues(string(msg.Kind), "out").Inc()
	return nil
}

// Negotiate starts an offer/answer exchange. If the link is mid-exchange the
// offer is flagged and sent once the signalling state is stable again.
func (l *Link) Negotiate(ctx context.Context) error {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	return l.negotiateLocked(ctx)
}

func (l *Link) negotiateLocked(ctx context.Context) error {
	if l.State().Terminal() {
		return ErrLinkClosed
	}
	if l.native.SignalingState() != webrtc.SignalingStateStable {
		l.mu.Lock()
		l.negotiationNeeded = true
		l.mu.Unlock()
		return nil
	}

	l.mu.Lock()
	l.negotiationNeeded = false
	l.mu.Unlock()

	offer, err := l.native.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.native.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}
	if err := l.send(ctx, api.SignalMessage{Kind: api.SignalKindOffer, SDP: &offer}); err != nil {
		if rbErr := l.native.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); rbErr != nil {
			slog.Warn("failed to roll back unsent offer", "peer", l.peerID, "error", rbErr)
		}
		return err
	}
	l.markDescriptionSent(ctx)
	slog.Debug("sent offer", "peer", l.peerID)
	return nil
}

// maybeNegotiate runs a negotiation flagged while the link was mid-exchange.
func (l *Link) maybeNegotiate(ctx context.Context) {
	l.mu.Lock()
	needed := l.negotiationNeeded
	l.mu.Unlock()
	if !needed {
		return
	}
	if err := l.Negotiate(ctx); err != nil {
		slog.Warn("deferred negotiation failed", "peer", l.peerID, "error", err)
	}
}

// HandleSignal applies one message received from the remote peer.
func (l *Link) HandleSignal(ctx context.Context, msg *api.SignalMessage) error {
	if msg == nil {
		return nil
	}
	if l.State() == StateClosed {
		return ErrLinkClosed
	}

	switch msg.Kind {
	case api.SignalKindOffer:
		if msg.SDP == nil {
			return fmt.Errorf("offer without description")
		}
		becameNegotiated, err := l.handleOffer(ctx, *msg.SDP)
		if err != nil {
			return err
		}
		l.afterExchange(ctx, becameNegotiated)
	case api.SignalKindAnswer:
		if msg.SDP == nil {
			return fmt.Errorf("answer without description")
		}
		becameNegotiated, err := l.handleAnswer(*msg.SDP)
		if err != nil {
			return err
		}
		l.afterExchange(ctx, becameNegotiated)
	case api.SignalKindCandidate:
		if msg.Candidate == nil {
			return nil
		}
		return l.handleCandidate(*msg.Candidate)
	case api.SignalKindTrackState:
		if msg.TrackState == nil {
			return nil
		}
		l.hookMu.Lock()
		defer l.hookMu.Unlock()
		if h := l.manager.hooks().OnTrackState; h != nil {
			h(l, *msg.TrackState)
		}
	default:
		slog.Warn("unknown signal kind", "peer", l.peerID, "kind", msg.Kind)
	}
	return nil
}

func (l *Link) handleOffer(ctx context.Context, offer webrtc.SessionDescription) (bool, error) {
	l.negMu.Lock()
	defer l.negMu.Unlock()

	l.mu.Lock()
	duplicate := l.lastRemoteOffer == offer.SDP
	l.mu.Unlock()
	if duplicate {
		slog.Debug("ignoring duplicate offer", "peer", l.peerID)
		return false, nil
	}

	collision := l.native.SignalingState() != webrtc.SignalingStateStable
	if collision && !l.polite {
		slog.Debug("ignoring colliding offer", "peer", l.peerID)
		return false, nil
	}
	if collision {
		slog.Debug("rolling back local offer", "peer", l.peerID)
		if err := l.native.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return false, fmt.Errorf("failed to roll back: %w", err)
		}
		// the rolled back offer is re-sent after this exchange
		l.mu.Lock()
		l.negotiationNeeded = true
		l.mu.Unlock()
	}

	if err := l.native.SetRemoteDescription(offer); err != nil {
		return false, fmt.Errorf("failed to set remote offer: %w", err)
	}
	l.mu.Lock()
	l.lastRemoteOffer = offer.SDP
	l.mu.Unlock()
	l.flushRemoteCandidates()

	answer, err := l.native.CreateAnswer()
	if err != nil {
		return false, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.native.SetLocalDescription(answer); err != nil {
		return false, fmt.Errorf("failed to set local answer: %w", err)
	}
	if err := l.send(ctx, api.SignalMessage{Kind: api.SignalKindAnswer, SDP: &answer}); err != nil {
		return false, err
	}
	l.markDescriptionSent(ctx)
	return l.markNegotiated(), nil
}

func (l *Link) handleAnswer(answer webrtc.SessionDescription) (bool, error) {
	l.negMu.Lock()
	defer l.negMu.Unlock()

	if st := l.native.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		slog.Debug("dropping answer", "peer", l.peerID, "signalingState", st.String())
		return false, nil
	}
	if err := l.native.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("failed to set remote answer: %w", err)
	}
	l.flushRemoteCandidates()
	return l.markNegotiated(), nil
}

func (l *Link) handleCandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.native.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (l *Link) flushRemoteCandidates() {
	l.mu.Lock()
	l.remoteDescSet = true
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.native.AddICECandidate(c); err != nil {
			slog.Warn("failed to add queued ice candidate", "peer", l.peerID, "error", err)
		}
	}
}

// markNegotiated records the first completed exchange and reports whether
// this call was the one that completed it.
func (l *Link) markNegotiated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.negotiated {
		return false
	}
	l.negotiated = true
	return true
}

func (l *Link) afterExchange(ctx context.Context, becameNegotiated bool) {
	if becameNegotiated {
		l.applyDeferred(ctx)
	}
	l.maybeNegotiate(ctx)
}

// applyDeferred replays a bundle that arrived before senders were started.
func (l *Link) applyDeferred(ctx context.Context) {
	l.renegMu.Lock()
	defer l.renegMu.Unlock()

	l.mu.Lock()
	b := l.deferred
	l.deferred = nil
	l.mu.Unlock()
	if b == nil {
		return
	}
	if err := l.applyBundleLocked(ctx, *b); err != nil {
		slog.Warn("failed to apply deferred tracks", "peer", l.peerID, "error", err)
	}
}

// applyBundleLocked puts the bundle's outgoing tracks on the senders. The
// caller holds renegMu.
func (l *Link) applyBundleLocked(ctx context.Context, b media.Bundle) error {
	var errs []error
	added := false
	for _, kind := range media.Kinds {
		out := b.Outgoing(kind)
		sender := l.senders[kind]
		if sender == nil {
			if out == nil {
				continue
			}
			s, err := l.native.AddTrack(out)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to add %s sender: %w", kind, err))
				continue
			}
			l.senders[kind] = s
			added = true
			continue
		}
		if sender.Track() == out {
			continue
		}
		if err := sender.ReplaceTrack(out); err != nil {
			errs = append(errs, fmt.Errorf("failed to replace %s track: %w", kind, err))
		}
	}
	if added {
		if err := l.Negotiate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleNativeState maps native connection states onto the link state machine
// and delivers the resulting transitions in order.
func (l *Link) handleNativeState(ns webrtc.PeerConnectionState) {
	next, ok := fromNative(ns)
	if !ok || next == StateNew {
		return
	}

	l.hookMu.Lock()
	defer l.hookMu.Unlock()

	l.mu.Lock()
	cur := l.state
	if cur == next || cur == StateClosed {
		l.mu.Unlock()
		return
	}
	steps := []State{next}
	if cur == StateNew && next == StateConnected {
		steps = []State{StateConnecting, StateConnected}
	}
	var applied []State
	for _, s := range steps {
		if !CanTransition(l.state, s) {
			metrics.InvalidTransitionsTotal.Inc()
			slog.Warn("rejected link transition", "peer", l.peerID, "from", l.state.String(), "to", s.String(), "error", ErrInvalidTransition)
			break
		}
		l.state = s
		applied = append(applied, s)
	}
	l.mu.Unlock()

	for _, s := range applied {
		l.deliverState(s)
	}
}

// setState applies a transition requested by the link itself.
func (l *Link) setState(next State) error {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()

	l.mu.Lock()
	cur := l.state
	if !CanTransition(cur, next) {
		l.mu.Unlock()
		metrics.InvalidTransitionsTotal.Inc()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	l.state = next
	l.mu.Unlock()

	l.deliverState(next)
	return nil
}

// deliverState must be called with hookMu held.
func (l *Link) deliverState(s State) {
	metrics.PeerLinkStateChanges.WithLabelValues(s.String()).Inc()
	slog.Debug("link state changed", "peer", l.peerID, "state", s.String())
	if s == StateFailed {
		metrics.PeerLinkFailuresTotal.WithLabelValues("ice").Inc()
	}
	if h := l.manager.hooks().OnStateChange; h != nil {
		h(l, s)
	}
}

// close releases the native connection once. Later calls are no-ops.
func (l *Link) close() error {
	var err error
	l.closeOnce.Do(func() {
		if tErr := l.setState(StateClosed); tErr != nil {
			slog.Debug("closing link", "peer", l.peerID, "error", tErr)
		}
		metrics.ActivePeerLinks.Dec()
		if cErr := l.native.Close(); cErr != nil {
			err = fmt.Errorf("failed to close peer connection: %w", cErr)
		}
	})
	return err
}
