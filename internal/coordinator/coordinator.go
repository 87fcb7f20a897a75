// Package coordinator keeps one peer link open to every live participant of a
// room. It diffs the roster against the links it owns, routes inbound signals,
// recovers failed links with backoff and exposes the resulting remote streams.
package coordinator

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
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/signal"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/trackstate"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrSignalingLost   = errors.New("signalling channel lost")
	ErrClosed          = errors.New("coordinator closed")
)

type Coordinator struct {
	self    domain.Participant
	sig     signal.Channel
	source  media.Source
	peers   *peer.Manager
	tracker *trackstate.Tracker
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	policy  Policy
	entries map[string]*entry
	closed  bool

	changes chan struct{}
}

type Option func(*Coordinator)

func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p.withDefaults() }
}

// WithClock replaces time.Now for staleness and mute checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(self domain.Participant, sig signal.Channel, source media.Source, factory peer.NativeFactory, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		self:    self,
		sig:     sig,
		source:  source,
		tracker: trackstate.New(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		policy:  DefaultPolicy(),
		entries: make(map[string]*entry),
		changes: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.peers = peer.NewManager(self.ID, self.SessionID, sig, factory, peer.WithHooks(peer.Hooks{
		OnStateChange: c.onLinkState,
		OnTrack:       c.onTrack,
		OnTrackState:  c.onTrackState,
	}))
	c.tracker.OnChange(func(string, trackstate.State) { c.notify() })
	return c
}

func (c *Coordinator) Self() domain.Participant { return c.self }

// SetPolicy applies new timings. Running timers keep their old deadline.
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p.withDefaults()
}

func (c *Coordinator) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Changes receives a value whenever streams, states or warnings may have
// changed. Notifications coalesce.
func (c *Coordinator) Changes() <-chan struct{} { return c.changes }

func (c *Coordinator) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Run feeds roster updates and inbound signals into the coordinator until ctx
// is done or the signalling channel goes away.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Policy().MutedCheck)
	defer ticker.Stop()

	roster, inbox := c.sig.Roster(), c.sig.Inbox()
	for {
		select {
		case <-ctx.Done():
			return nil
		case participants, ok := <-roster:
			if !ok {
				return ErrSignalingLost
			}
			c.Reconcile(ctx, participants)
		case env, ok := <-inbox:
			if !ok {
				return ErrSignalingLost
			}
			c.Dispatch(env)
		case <-ticker.C:
			c.refreshTrackStates()
			c.recheck()
		}
	}
}

// desired filters the roster down to the live remote participants, keeping
// the freshest entry per ID.
func (c *Coordinator) desired(roster []domain.Participant, staleAfter time.Duration) map[string]domain.Participant {
	now := c.now()
	out := make(map[string]domain.Participant, len(roster))
	for _, p := range roster {
		if p.ID == "" || p.ID == c.self.ID || p.IsStale(now, staleAfter) {
			continue
		}
		if prev, ok := out[p.ID]; ok && !p.LastSeen.After(prev.LastSeen) {
			continue
		}
		out[p.ID] = p
	}
	return out
}

// Reconcile makes the set of links converge on roster. Opens and closes are
// queued per peer and check the latest desired state when they run.
func (c *Coordinator) Reconcile(ctx context.Context, roster []domain.Participant) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconcileLocked(roster)
}

// recheck re-evaluates the last roster against the clock, so participants
// whose heartbeats stopped are dropped without a roster update.
func (c *Coordinator) recheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	roster := make([]domain.Participant, 0, len(c.entries))
	for _, e := range c.entries {
		if e.want != nil {
			roster = append(roster, *e.want)
		}
	}
	c.reconcileLocked(roster)
}

func (c *Coordinator) reconcileLocked(roster []domain.Participant) {
	if c.closed {
		return
	}
	desired := c.desired(roster, c.policy.StaleAfter)
	now := c.now()

	for id, p := range desired {
		e := c.entryLocked(id)
		if e.want != nil && e.want.SessionID == p.SessionID {
			e.want = &p
			continue
		}
		if e.want != nil {
			slog.Info("participant session changed", "peer", id, "from", e.want.SessionID, "to", p.SessionID)
		}
		e.want = &p
		e.removed = ""
		e.passive = false
		e.resetRetries(c.policy)
		c.enqueueLocked(e, func(ctx context.Context) { c.open(ctx, id) })
	}

	for id, e := range c.entries {
		if _, ok := desired[id]; ok {
			continue
		}
		switch {
		case e.want != nil:
			slog.Info("participant left", "peer", id, "session", e.want.SessionID)
			e.removed = e.want.SessionID
			e.want = nil
			e.stopRetry()
			c.enqueueLocked(e, func(context.Context) { c.drop(id) })
		case e.link != nil && e.passive && now.Sub(e.acceptedAt) > c.policy.StaleAfter:
			slog.Info("closing link to unknown participant", "peer", id)
			c.enqueueLocked(e, func(context.Context) { c.drop(id) })
		}
	}
}

// open creates the link to the desired participant unless a live link to the
// same session exists.
func (c *Coordinator) open(ctx context.Context, peerID string) {
	c.mu.Lock()
	e := c.entries[peerID]
	if e == nil || e.want == nil {
		c.mu.Unlock()
		return
	}
	e.stopRetry()
	if e.warning != nil {
		c.mu.Unlock()
		return
	}
	want := *e.want
	if l := e.link; l != nil && !l.State().Terminal() && l.RemoteSession() == want.SessionID {
		e.passive = false
		c.mu.Unlock()
		return
	}
	stale := e.detach()
	c.mu.Unlock()
	c.release(peerID, stale)

	l, err := c.peers.Open(ctx, want, c.source.Bundle())

	c.mu.Lock()
	switch {
	case errors.Is(err, peer.ErrSignalingUnavailable):
		if e.want != nil && !c.closed {
			slog.Debug("signalling unavailable, deferring open", "peer", peerID)
			e.stopRetry()
			e.retry = c.afterLocked(c.policy.SignalingRetry, peerID, func(ctx context.Context) { c.open(ctx, peerID) })
		}
		c.mu.Unlock()
		return
	case err != nil:
		slog.Warn("failed to open peer link", "peer", peerID, "error", err)
		metrics.PeerLinkFailuresTotal.WithLabelValues("open").Inc()
		c.scheduleReopenLocked(e, err)
		c.mu.Unlock()
		c.notify()
		return
	}
	if c.closed || e.want == nil || e.want.SessionID != want.SessionID {
		c.mu.Unlock()
		slog.Debug("participant gone before link opened", "peer", peerID)
		c.release(peerID, l)
		return
	}
	e.link = l
	e.passive = false
	c.mu.Unlock()
	c.notify()
}

// drop closes the link of a peer that is no longer desired.
func (c *Coordinator) drop(peerID string) {
	c.mu.Lock()
	e := c.entries[peerID]
	if e == nil || e.want != nil {
		c.mu.Unlock()
		return
	}
	e.stopRetry()
	l := e.detach()
	c.mu.Unlock()

	c.release(peerID, l)
	c.notify()
}

// release closes l and forgets the peer's track state.
func (c *Coordinator) release(peerID string, l *peer.Link) {
	if l == nil {
		return
	}
	if err := c.peers.Close(l); err != nil {
		slog.Warn("failed to close peer link", "peer", peerID, "error", err)
	}
	c.tracker.Forget(peerID)
}

// scheduleReopenLocked counts a failure and queues the next open with
// backoff, or gives up with a warning once the attempts are spent.
func (c *Coordinator) scheduleReopenLocked(e *entry, cause error) {
	if e.want == nil || c.closed {
		return
	}
	e.attempts++
	if e.attempts >= c.policy.MaxReopenAttempts {
		e.stopRetry()
		e.warning = fmt.Errorf("%w: %s after %d attempts: %w", ErrPeerUnreachable, e.peerID, e.attempts, cause)
		slog.Warn("giving up on peer", "peer", e.peerID, "attempts", e.attempts, "error", cause)
		return
	}
	delay := e.backoff.NextBackOff()
	metrics.ReopenAttemptsTotal.Inc()
	slog.Info("reopening peer link", "peer", e.peerID, "attempt", e.attempts, "in", delay)
	e.stopRetry()
	id := e.peerID
	e.retry = c.afterLocked(delay, id, func(ctx context.Context) { c.open(ctx, id) })
}

func (c *Coordinator) onLinkState(l *peer.Link, s peer.State) {
	c.enqueue(l.PeerID(), func(ctx context.Context) { c.linkState(ctx, l, s) })
}

func (c *Coordinator) linkState(ctx context.Context, l *peer.Link, s peer.State) {
	peerID := l.PeerID()
	c.mu.Lock()
	e := c.entries[peerID]
	if e == nil || e.link != l {
		c.mu.Unlock()
		return
	}

	switch s {
	case peer.StateConnected:
		e.stopGrace()
		e.resetRetries(c.policy)
		c.mu.Unlock()
		slog.Info("peer connected", "peer", peerID)
		c.sendTrackState(ctx, l)

	case peer.StateDisconnected:
		if e.grace == nil {
			slog.Info("peer disconnected, waiting for recovery", "peer", peerID, "grace", c.policy.DisconnectGrace)
			e.grace = c.afterLocked(c.policy.DisconnectGrace, peerID, func(ctx context.Context) { c.graceExpired(ctx, l) })
		}
		c.mu.Unlock()

	case peer.StateFailed:
		c.failLocked(e, fmt.Errorf("link to %s failed", peerID))
		c.mu.Unlock()
		c.release(peerID, l)

	case peer.StateClosed:
		e.detach()
		c.mu.Unlock()
		c.tracker.Forget(peerID)

	default:
		c.mu.Unlock()
	}
	c.notify()
}

func (c *Coordinator) graceExpired(_ context.Context, l *peer.Link) {
	c.mu.Lock()
	e := c.entries[l.PeerID()]
	if e == nil || e.link != l {
		c.mu.Unlock()
		return
	}
	e.grace = nil
	if l.State() != peer.StateDisconnected {
		c.mu.Unlock()
		return
	}
	slog.Warn("peer did not recover from disconnect", "peer", l.PeerID())
	metrics.PeerLinkFailuresTotal.WithLabelValues("grace").Inc()
	c.failLocked(e, fmt.Errorf("link to %s stayed disconnected", l.PeerID()))
	c.mu.Unlock()

	c.release(l.PeerID(), l)
	c.notify()
}

// failLocked detaches the failed link and schedules a reopen. The caller
// releases the link.
func (c *Coordinator) failLocked(e *entry, cause error) {
	e.detach()
	c.scheduleReopenLocked(e, cause)
}

// Dispatch routes one inbound envelope to the link of its sender.
func (c *Coordinator) Dispatch(env api.Envelope) {
	if env.Type != api.MessageTypeSignal || env.Signal == nil || env.From == "" {
		return
	}
	if env.ToSession != "" && env.ToSession != c.self.SessionID {
		slog.Debug("dropping signal for another session", "from", env.From, "session", env.ToSession)
		return
	}
	c.enqueue(env.From, func(ctx context.Context) { c.deliver(ctx, env) })
}

func (c *Coordinator) deliver(ctx context.Context, env api.Envelope) {
	msg := env.Signal
	c.mu.Lock()
	e := c.entries[env.From]
	if e == nil {
		c.mu.Unlock()
		return
	}
	l := e.link

	// the link ends with the session that negotiated it; an offer from a
	// newer session, or onto a dead link, starts a new one
	replace := l == nil || l.RemoteSession() != env.FromSession ||
		l.State().Terminal() || l.State() == peer.StateDisconnected
	if !replace {
		c.mu.Unlock()
		if err := l.HandleSignal(ctx, msg); err != nil {
			slog.Warn("failed to apply signal", "peer", env.From, "kind", msg.Kind, "error", err)
		}
		return
	}
	if msg.Kind != api.SignalKindOffer {
		c.mu.Unlock()
		slog.Debug("dropping signal without a matching link", "peer", env.From, "kind", msg.Kind, "session", env.FromSession)
		return
	}
	if env.FromSession != "" && env.FromSession == e.removed {
		c.mu.Unlock()
		slog.Debug("ignoring offer from departed session", "peer", env.From, "session", env.FromSession)
		return
	}

	p := domain.Participant{ID: env.From, SessionID: env.FromSession, Room: env.Room}
	if e.want != nil && e.want.SessionID == env.FromSession {
		p = *e.want
	}
	stale := e.detach()
	c.mu.Unlock()
	c.release(env.From, stale)

	nl, err := c.peers.Accept(ctx, p, c.source.Bundle(), msg)
	if err != nil {
		slog.Warn("failed to accept offer", "peer", env.From, "error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.release(env.From, nl)
		return
	}
	e.link = nl
	e.passive = e.want == nil
	e.acceptedAt = c.now()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onTrack(l *peer.Link, track media.RemoteTrack) {
	peerID := l.PeerID()
	pump := media.NewTrackPump(track, func(p *media.TrackPump) {
		c.enqueue(peerID, func(context.Context) { c.trackEnded(l, p) })
	})
	c.enqueue(peerID, func(context.Context) { c.trackAdded(l, pump) })
}

func (c *Coordinator) trackAdded(l *peer.Link, pump *media.TrackPump) {
	peerID := l.PeerID()
	c.mu.Lock()
	e := c.entries[peerID]
	if e == nil || e.link != l {
		c.mu.Unlock()
		return
	}
	switch pump.Kind() {
	case webrtc.RTPCodecTypeVideo:
		e.video = pump
		e.stream = media.NewRemoteStream(peerID, pump, e.audio)
	case webrtc.RTPCodecTypeAudio:
		e.audio = pump
		if e.stream != nil {
			e.stream.SetAudio(pump)
		} else {
			e.stream = media.NewRemoteStream(peerID, nil, pump)
		}
	}
	c.mu.Unlock()

	slog.Debug("remote track added", "peer", peerID, "track", pump.Key(), "kind", pump.Kind().String())
	c.refreshTrackStates()
	c.notify()
}

func (c *Coordinator) trackEnded(l *peer.Link, pump *media.TrackPump) {
	peerID := l.PeerID()
	c.mu.Lock()
	e := c.entries[peerID]
	if e == nil || e.link != l {
		c.mu.Unlock()
		return
	}
	switch pump {
	case e.video:
		e.video = nil
		e.stream = nil
		if e.audio != nil {
			e.stream = media.NewRemoteStream(peerID, nil, e.audio)
		}
	case e.audio:
		e.audio = nil
		if e.stream != nil {
			e.stream.SetAudio(nil)
		}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.refreshTrackStates()
	c.notify()
}

func (c *Coordinator) onTrackState(l *peer.Link, st api.TrackStateMessage) {
	c.tracker.SetExplicit(l.PeerID(), trackstate.State{VideoEnabled: st.VideoEnabled, AudioEnabled: st.AudioEnabled})
}

// refreshTrackStates derives native track state from the pumps of every
// connected peer.
func (c *Coordinator) refreshTrackStates() {
	now := c.now()
	c.mu.Lock()
	after := c.policy.MutedAfter
	states := make(map[string]trackstate.NativeState)
	for id, e := range c.entries {
		if e.link == nil {
			continue
		}
		var n trackstate.NativeState
		if e.video != nil {
			n.VideoPresent = true
			n.VideoEnded = e.video.Ended()
			n.VideoMuted = e.video.Muted(now, after)
		}
		if e.audio != nil {
			n.AudioPresent = true
			n.AudioEnded = e.audio.Ended()
			n.AudioMuted = e.audio.Muted(now, after)
		}
		states[id] = n
	}
	c.mu.Unlock()

	for id, n := range states {
		c.tracker.SetNative(id, n)
	}
}

func (c *Coordinator) localTrackState() api.TrackStateMessage {
	b := c.source.Bundle()
	return api.TrackStateMessage{
		VideoEnabled: b.Enabled(webrtc.RTPCodecTypeVideo),
		AudioEnabled: b.Enabled(webrtc.RTPCodecTypeAudio),
	}
}

func (c *Coordinator) sendTrackState(ctx context.Context, l *peer.Link) {
	if err := c.peers.SendTrackState(ctx, l, c.localTrackState()); err != nil {
		slog.Debug("failed to send track state", "peer", l.PeerID(), "error", err)
	}
}

// ToggleLocalVideo enables or disables the camera on every live link.
func (c *Coordinator) ToggleLocalVideo(ctx context.Context, enabled bool) error {
	c.source.SetVideoEnabled(enabled)
	return c.renegotiateAll(ctx)
}

// ToggleLocalAudio enables or disables the microphone on every live link.
func (c *Coordinator) ToggleLocalAudio(ctx context.Context, enabled bool) error {
	c.source.SetAudioEnabled(enabled)
	return c.renegotiateAll(ctx)
}

// renegotiateAll pushes the current bundle to every live link concurrently.
// One peer's failure does not hold up the others.
func (c *Coordinator) renegotiateAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if e.link != nil {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		g.Go(func() error {
			err := c.do(ctx, id, func(ctx context.Context) error { return c.renegotiate(ctx, id) })
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// renegotiate runs on the peer's queue, so it always sees the link that is
// current at that point and the bundle as it is now.
func (c *Coordinator) renegotiate(ctx context.Context, peerID string) error {
	c.mu.Lock()
	e := c.entries[peerID]
	var l *peer.Link
	if e != nil {
		l = e.link
	}
	retries := c.policy.NegotiationRetries
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = c.peers.Renegotiate(ctx, l, c.source.Bundle())
		if err == nil || errors.Is(err, peer.ErrLinkClosed) || ctx.Err() != nil {
			break
		}
		slog.Debug("renegotiation failed", "peer", peerID, "attempt", attempt+1, "error", err)
	}
	if errors.Is(err, peer.ErrLinkClosed) {
		// the replacement link reads the bundle when it opens
		return nil
	}
	if err != nil {
		return err
	}
	c.sendTrackState(ctx, l)
	return nil
}

// RequestKeyframe asks peerID to send a fresh video keyframe.
func (c *Coordinator) RequestKeyframe(peerID string) error {
	c.mu.Lock()
	e := c.entries[peerID]
	if e == nil || e.link == nil || e.video == nil {
		c.mu.Unlock()
		return domain.ErrParticipantNotFound
	}
	l, ssrc := e.link, e.video.Track().SSRC()
	c.mu.Unlock()
	return l.RequestKeyframe(uint32(ssrc))
}

// RemoteStreams returns the current stream of every peer that sends media.
func (c *Coordinator) RemoteStreams() map[string]*media.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*media.RemoteStream)
	for id, e := range c.entries {
		if e.stream != nil {
			out[id] = e.stream
		}
	}
	return out
}

// VisibleStreams is RemoteStreams as a grid shows them. A peer whose video is
// not enabled gets the audio-only view of its stream, so its video element is
// unmounted; a peer with nothing left to play is omitted.
func (c *Coordinator) VisibleStreams() map[string]*media.RemoteStream {
	streams := c.RemoteStreams()
	states := c.TrackStates()
	for id, s := range streams {
		if s.Video() != nil && !states[id].VideoEnabled {
			s = s.AudioOnly()
		}
		if s.Video() == nil && s.Audio() == nil {
			delete(streams, id)
			continue
		}
		streams[id] = s
	}
	return streams
}

// ConnectionStates returns the state of every peer's current link.
func (c *Coordinator) ConnectionStates() map[string]peer.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]peer.State)
	for id, e := range c.entries {
		if e.link != nil {
			out[id] = e.link.State()
		}
	}
	return out
}

func (c *Coordinator) TrackStates() map[string]trackstate.State {
	return c.tracker.Snapshot()
}

// Warnings returns the peers the coordinator stopped retrying.
func (c *Coordinator) Warnings() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]error)
	for id, e := range c.entries {
		if e.warning != nil {
			out[id] = e.warning
		}
	}
	return out
}

// Peers returns the participants the coordinator currently wants links to.
func (c *Coordinator) Peers() map[string]domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.Participant)
	for id, e := range c.entries {
		if e.want != nil {
			out[id] = *e.want
		}
	}
	return out
}

// Close stops all queued work and closes every link.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		e.stopRetry()
		e.stopGrace()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.peers.CloseAll()

	c.mu.Lock()
	for _, e := range c.entries {
		e.detach()
	}
	c.mu.Unlock()
	c.notify()
	return nil
}
