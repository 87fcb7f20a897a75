package peer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer/peertest"
	"github.com/pion/webrtc/v4"
)

// pipe routes envelopes between managers in send order. Delivery can be held
// to force offer collisions.
type pipe struct {
	t     *testing.T
	ready atomic.Bool

	mu       sync.Mutex
	managers map[string]*peer.Manager
	sources  map[string]media.Source
	paused   bool
	held     []api.Envelope
	sent     []api.Envelope

	queue chan api.Envelope
}

func newPipe(t *testing.T) *pipe {
	p := &pipe{
		t:        t,
		managers: make(map[string]*peer.Manager),
		sources:  make(map[string]media.Source),
		queue:    make(chan api.Envelope, 1024),
	}
	p.ready.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.run(ctx)
	return p
}

func (p *pipe) Ready() bool { return p.ready.Load() }

func (p *pipe) Send(_ context.Context, env api.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	if p.paused {
		p.held = append(p.held, env)
		return nil
	}
	p.queue <- env
	return nil
}

func (p *pipe) pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *pipe) resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	for _, env := range p.held {
		p.queue <- env
	}
	p.held = nil
}

func (p *pipe) sentKinds(from string) []api.SignalKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []api.SignalKind
	for _, env := range p.sent {
		if env.From == from {
			out = append(out, env.Signal.Kind)
		}
	}
	return out
}

func (p *pipe) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.queue:
			p.deliver(ctx, env)
		}
	}
}

func (p *pipe) deliver(ctx context.Context, env api.Envelope) {
	p.mu.Lock()
	m := p.managers[env.To]
	src := p.sources[env.To]
	p.mu.Unlock()
	if m == nil {
		return
	}

	l, ok := m.Link(env.From)
	if !ok || l.RemoteSession() != env.FromSession || l.State() == peer.StateClosed {
		if env.Signal.Kind != api.SignalKindOffer {
			return
		}
		from := domain.Participant{ID: env.From, SessionID: env.FromSession}
		if _, err := m.Accept(ctx, from, src.Bundle(), env.Signal); err != nil {
			p.t.Logf("accept %s -> %s: %v", env.From, env.To, err)
		}
		return
	}
	if err := l.HandleSignal(ctx, env.Signal); err != nil {
		p.t.Logf("signal %s %s -> %s: %v", env.Signal.Kind, env.From, env.To, err)
	}
}

type recorder struct {
	mu     sync.Mutex
	states []peer.State
	tracks []media.RemoteTrack
	ts     []api.TrackStateMessage
}

func (r *recorder) hooks() peer.Hooks {
	return peer.Hooks{
		OnStateChange: func(_ *peer.Link, s peer.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnTrack: func(_ *peer.Link, track media.RemoteTrack) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tracks = append(r.tracks, track)
		},
		OnTrackState: func(_ *peer.Link, st api.TrackStateMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ts = append(r.ts, st)
		},
	}
}

func (r *recorder) snapshot() ([]peer.State, int, []api.TrackStateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]peer.State(nil), r.states...), len(r.tracks), append([]api.TrackStateMessage(nil), r.ts...)
}

type node struct {
	id      string
	manager *peer.Manager
	source  *media.LocalSource
	rec     *recorder
}

func (n *node) participant() domain.Participant {
	return domain.Participant{ID: n.id, SessionID: n.manager.SelfSession()}
}

func newNode(t *testing.T, p *pipe, factory peer.NativeFactory, id string, opts ...media.SourceOption) *node {
	t.Helper()
	src, err := media.NewLocalSource(id, opts...)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	m := peer.NewManager(id, id+"-session", p, factory, peer.WithHooks(rec.hooks()))
	t.Cleanup(m.CloseAll)

	p.mu.Lock()
	p.managers[id] = m
	p.sources[id] = src
	p.mu.Unlock()
	return &node{id: id, manager: m, source: src, rec: rec}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func linkState(n *node, peerID string) peer.State {
	l, ok := n.manager.Link(peerID)
	if !ok {
		return peer.StateClosed
	}
	return l.State()
}

func connectPair(t *testing.T, net *peertest.Network, p *pipe, a, b *node) {
	t.Helper()
	if _, err := b.manager.Open(context.Background(), a.participant(), b.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.manager.Open(context.Background(), b.participant(), a.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "both links connected", func() bool {
		return linkState(a, b.id) == peer.StateConnected && linkState(b, a.id) == peer.StateConnected
	})
}

func TestOpenConnectsImpoliteOfferer(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")

	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	lb, _ := bob.manager.Link("alice")
	if la.Polite() || !lb.Polite() {
		t.Fatalf("politeness: alice=%v bob=%v, want the greater id polite", la.Polite(), lb.Polite())
	}
	if kinds := p.sentKinds("bob"); len(kinds) > 0 && kinds[0] == api.SignalKindOffer {
		t.Errorf("polite side sent the initial offer: %v", kinds)
	}

	waitFor(t, time.Second, "candidates applied", func() bool {
		return len(net.Latest("bob", "alice").Candidates()) > 0 && len(net.Latest("alice", "bob").Candidates()) > 0
	})
	waitFor(t, time.Second, "remote tracks", func() bool {
		_, aTracks, _ := alice.rec.snapshot()
		_, bTracks, _ := bob.rec.snapshot()
		return aTracks == 2 && bTracks == 2
	})

	states, _, _ := alice.rec.snapshot()
	if len(states) < 2 || states[0] != peer.StateConnecting || states[1] != peer.StateConnected {
		t.Errorf("alice states = %v, want connecting, connected", states)
	}
}

func TestOfferCollisionPoliteSideRollsBack(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	lb, _ := bob.manager.Link("alice")

	p.pause()
	ctx := context.Background()
	if err := la.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := lb.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	if la.SignalingState() != webrtc.SignalingStateHaveLocalOffer || lb.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("expected both sides to hold a local offer")
	}
	p.resume()

	waitFor(t, 2*time.Second, "both sides stable", func() bool {
		return la.SignalingState() == webrtc.SignalingStateStable && lb.SignalingState() == webrtc.SignalingStateStable &&
			len(p.sentKinds("bob")) > 0
	})
	// bob's rolled back offer is sent again once the colliding exchange is done
	waitFor(t, 2*time.Second, "bob re-offers", func() bool {
		offers := 0
		for _, k := range p.sentKinds("bob") {
			if k == api.SignalKindOffer {
				offers++
			}
		}
		return offers >= 2 && la.SignalingState() == webrtc.SignalingStateStable && lb.SignalingState() == webrtc.SignalingStateStable
	})
	if la.State() != peer.StateConnected || lb.State() != peer.StateConnected {
		t.Errorf("states after glare: alice=%s bob=%s", la.State(), lb.State())
	}
	if net.Live("alice", "bob") != 1 || net.Live("bob", "alice") != 1 {
		t.Errorf("glare created extra connections")
	}
}

func TestOpenWithoutSignalling(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	p.ready.Store(false)
	alice := newNode(t, p, net.Factory("alice"), "alice")

	_, err := alice.manager.Open(context.Background(), domain.Participant{ID: "bob"}, alice.source.Bundle())
	if !errors.Is(err, peer.ErrSignalingUnavailable) {
		t.Fatalf("Open error = %v, want ErrSignalingUnavailable", err)
	}
	if got := len(net.Natives("alice", "bob")); got != 0 {
		t.Errorf("created %d natives without signalling", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	if err := alice.manager.Close(la); err != nil {
		t.Fatal(err)
	}
	if err := alice.manager.Close(la); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if la.State() != peer.StateClosed {
		t.Errorf("state = %s, want closed", la.State())
	}
	if !net.Latest("alice", "bob").Closed() {
		t.Error("native not closed")
	}
	if _, ok := alice.manager.Link("bob"); ok {
		t.Error("closed link still registered")
	}
	if err := alice.manager.Renegotiate(context.Background(), la, alice.source.Bundle()); !errors.Is(err, peer.ErrLinkClosed) {
		t.Errorf("Renegotiate on closed link = %v, want ErrLinkClosed", err)
	}

	// the remote end notices the peer went away but keeps its link
	waitFor(t, time.Second, "bob disconnected", func() bool {
		return linkState(bob, "alice") == peer.StateDisconnected
	})
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")

	lb, err := bob.manager.Open(context.Background(), alice.participant(), bob.source.Bundle())
	if err != nil {
		t.Fatal(err)
	}
	early := webrtc.ICECandidateInit{Candidate: "candidate:early"}
	if err := lb.HandleSignal(context.Background(), &api.SignalMessage{Kind: api.SignalKindCandidate, Candidate: &early}); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if got := net.Latest("bob", "alice").Candidates(); len(got) != 0 {
		t.Fatalf("candidate applied before remote description: %v", got)
	}

	if _, err := alice.manager.Open(context.Background(), bob.participant(), alice.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "queued candidate applied", func() bool {
		for _, c := range net.Latest("bob", "alice").Candidates() {
			if c.Candidate == early.Candidate {
				return true
			}
		}
		return false
	})
}

func TestDuplicateSignalsAreHarmless(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	lb, _ := bob.manager.Link("alice")

	var offer, answer *api.SignalMessage
	p.mu.Lock()
	for _, env := range p.sent {
		switch {
		case env.From == "alice" && env.Signal.Kind == api.SignalKindOffer:
			offer = env.Signal
		case env.From == "bob" && env.Signal.Kind == api.SignalKindAnswer:
			answer = env.Signal
		}
	}
	p.mu.Unlock()

	ctx := context.Background()
	if err := lb.HandleSignal(ctx, offer); err != nil {
		t.Errorf("repeated offer: %v", err)
	}
	if err := la.HandleSignal(ctx, answer); err != nil {
		t.Errorf("repeated answer: %v", err)
	}
	if la.SignalingState() != webrtc.SignalingStateStable || lb.SignalingState() != webrtc.SignalingStateStable {
		t.Error("repeated descriptions left a side mid-exchange")
	}
	if la.State() != peer.StateConnected || lb.State() != peer.StateConnected {
		t.Error("repeated descriptions disturbed the connection")
	}
}

func TestRenegotiateReplacesTracksInPlace(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	native := net.Latest("alice", "bob")
	offersBefore := len(p.sentKinds("alice"))

	alice.source.SetVideoEnabled(false)
	if err := alice.manager.Renegotiate(context.Background(), la, alice.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	if native.Sender(webrtc.RTPCodecTypeVideo).Track() != nil {
		t.Error("video sender still carries a track after disabling")
	}
	if native.Sender(webrtc.RTPCodecTypeAudio).Track() == nil {
		t.Error("audio sender lost its track")
	}

	alice.source.SetVideoEnabled(true)
	if err := alice.manager.Renegotiate(context.Background(), la, alice.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	if got := native.Sender(webrtc.RTPCodecTypeVideo).Track(); got == nil || got.ID() != "alice-video" {
		t.Errorf("video track after enabling = %v", got)
	}

	if l, _ := alice.manager.Link("bob"); l != la {
		t.Error("renegotiation replaced the link")
	}
	if net.Live("alice", "bob") != 1 {
		t.Error("renegotiation created a connection")
	}
	if got := len(p.sentKinds("alice")); got != offersBefore {
		t.Errorf("track replacement sent %d extra signals", got-offersBefore)
	}
}

func TestDisabledTrackDroppedAfterNegotiation(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice", media.WithVideoOff())
	bob := newNode(t, p, net.Factory("bob"), "bob")

	if _, err := bob.manager.Open(context.Background(), alice.participant(), bob.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	la, err := alice.manager.Open(context.Background(), bob.participant(), alice.source.Bundle())
	if err != nil {
		t.Fatal(err)
	}
	native := net.Latest("alice", "bob")
	if native.Sender(webrtc.RTPCodecTypeVideo).Track() == nil {
		t.Fatal("video sender must start with its track")
	}
	waitFor(t, 2*time.Second, "negotiated", la.Negotiated)
	waitFor(t, time.Second, "disabled video dropped", func() bool {
		return native.Sender(webrtc.RTPCodecTypeVideo).Track() == nil
	})
}

func TestRenegotiateFailureSurfaces(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	net.FailReplaceTrack("alice", 1)
	alice.source.SetAudioEnabled(false)
	err := alice.manager.Renegotiate(context.Background(), la, alice.source.Bundle())
	if !errors.Is(err, peertest.ErrInjectedFailure) {
		t.Fatalf("Renegotiate error = %v, want injected failure", err)
	}
	if err := alice.manager.Renegotiate(context.Background(), la, alice.source.Bundle()); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestInvalidNativeTransitionRejected(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	native := net.Latest("alice", "bob")
	native.SetConnectionState(webrtc.PeerConnectionStateFailed)
	waitFor(t, time.Second, "failed", func() bool { return linkState(alice, "bob") == peer.StateFailed })

	native.SetConnectionState(webrtc.PeerConnectionStateConnected)
	time.Sleep(50 * time.Millisecond)
	if got := linkState(alice, "bob"); got != peer.StateFailed {
		t.Errorf("failed link moved to %s", got)
	}

	states, _, _ := alice.rec.snapshot()
	want := []peer.State{peer.StateConnecting, peer.StateConnected, peer.StateFailed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestTrackStateAndKeyframe(t *testing.T) {
	net := peertest.NewNetwork()
	p := newPipe(t)
	alice := newNode(t, p, net.Factory("alice"), "alice")
	bob := newNode(t, p, net.Factory("bob"), "bob")
	connectPair(t, net, p, alice, bob)

	la, _ := alice.manager.Link("bob")
	st := api.TrackStateMessage{VideoEnabled: false, AudioEnabled: true}
	if err := alice.manager.SendTrackState(context.Background(), la, st); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, "track state delivered", func() bool {
		_, _, got := bob.rec.snapshot()
		return len(got) == 1 && got[0] == st
	})

	if err := la.RequestKeyframe(1234); err != nil {
		t.Fatal(err)
	}
	if got := net.Latest("alice", "bob").PLIs(); got != 1 {
		t.Errorf("PLIs = %d, want 1", got)
	}
}

func TestPionLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("real ICE over loopback")
	}

	cfg := config.DefaultAppConfig().WebRTC
	cfg.PeerConnectionConfig.IceServers = nil
	cfg.IncludeLoopback = true
	cfg.DisableMDNS = true
	webrtcAPI, err := peer.NewAPI(cfg)
	if err != nil {
		t.Fatal(err)
	}
	factory := peer.NewPionFactory(webrtcAPI, cfg.PeerConnectionConfig.WebrtcConfiguration())

	p := newPipe(t)
	alice := newNode(t, p, factory, "alice")
	bob := newNode(t, p, factory, "bob")

	if _, err := bob.manager.Open(context.Background(), alice.participant(), bob.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.manager.Open(context.Background(), bob.participant(), alice.source.Bundle()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 20*time.Second, "pion links connected", func() bool {
		return linkState(alice, "bob") == peer.StateConnected && linkState(bob, "alice") == peer.StateConnected
	})
}
