// Package peertest provides an in-memory stand-in for pion peer connections.
//
// Natives created from one Network find each other through the descriptions
// they exchange. The fake keeps the signalling state machine (including
// rollback), reports connecting and connected once both sides completed an
// exchange, and streams RTP packets from each sender that carries a track.
package peertest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidState    = errors.New("peertest: invalid signalling state")
	ErrClosed          = errors.New("peertest: connection closed")
	ErrNoRemote        = errors.New("peertest: remote description not set")
	ErrUnknownNative   = errors.New("peertest: description from unknown connection")
	ErrInjectedFailure = errors.New("peertest: injected failure")
)

// Network is a registry of fake natives.
type Network struct {
	mu       sync.Mutex
	seq      int
	natives  map[string]*Native
	failures map[string]int // replace track failures still to inject per local peer
}

func NewNetwork() *Network {
	return &Network{
		natives:  make(map[string]*Native),
		failures: make(map[string]int),
	}
}

// Factory returns the native factory of the participant selfID.
func (n *Network) Factory(selfID string) peer.NativeFactory {
	return func(peerID string) (peer.Native, error) {
		return n.newNative(selfID, peerID), nil
	}
}

func (n *Network) newNative(selfID, peerID string) *Native {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	nat := &Native{
		net:     n,
		id:      fmt.Sprintf("%s>%s#%d", selfID, peerID, n.seq),
		self:    selfID,
		peer:    peerID,
		seq:     n.seq,
		signal:  webrtc.SignalingStateStable,
		conn:    webrtc.PeerConnectionStateNew,
		events:  newSerial(),
		tracks:  make(map[webrtc.RTPCodecType]*Track),
		senders: make(map[webrtc.RTPCodecType]*Sender),
	}
	n.natives[nat.id] = nat
	return nat
}

// Natives lists every native selfID created towards peerID, oldest first.
func (n *Network) Natives(selfID, peerID string) []*Native {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Native
	for _, nat := range n.natives {
		if nat.self == selfID && nat.peer == peerID {
			out = append(out, nat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].created() < out[j].created() })
	return out
}

// Live counts the natives from selfID to peerID that are not closed.
func (n *Network) Live(selfID, peerID string) int {
	count := 0
	for _, nat := range n.Natives(selfID, peerID) {
		if !nat.Closed() {
			count++
		}
	}
	return count
}

// Latest returns the newest native from selfID to peerID, or nil.
func (n *Network) Latest(selfID, peerID string) *Native {
	all := n.Natives(selfID, peerID)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// FailReplaceTrack makes the next count ReplaceTrack calls on selfID's
// senders fail.
func (n *Network) FailReplaceTrack(selfID string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[selfID] = count
}

func (n *Network) takeFailure(selfID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures[selfID] > 0 {
		n.failures[selfID]--
		return true
	}
	return false
}

func (n *Network) lookup(id string) *Native {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.natives[id]
}

// Fail drives both ends of the newest a-b pair to failed.
func (n *Network) Fail(a, b string) { n.setPair(a, b, webrtc.PeerConnectionStateFailed) }

// Disconnect drives both ends of the newest a-b pair to disconnected.
func (n *Network) Disconnect(a, b string) {
	n.setPair(a, b, webrtc.PeerConnectionStateDisconnected)
}

// Reconnect brings both ends of the newest a-b pair back to connected.
func (n *Network) Reconnect(a, b string) { n.setPair(a, b, webrtc.PeerConnectionStateConnected) }

func (n *Network) setPair(a, b string, s webrtc.PeerConnectionState) {
	for _, nat := range []*Native{n.Latest(a, b), n.Latest(b, a)} {
		if nat != nil {
			nat.SetConnectionState(s)
		}
	}
}

// tryConnect connects x and its remote once both completed an exchange with
// each other.
func (n *Network) tryConnect(x *Native) {
	y := x.remoteNative()
	if y == nil || y.remoteNative() != x {
		return
	}
	if !x.negotiatedWith() || !y.negotiatedWith() {
		return
	}
	for _, nat := range []*Native{x, y} {
		nat.connectIfNew()
	}
}

// fake descriptions

type description struct {
	native  string
	seq     int
	senders map[webrtc.RTPCodecType]string
}

func encodeDescription(d description) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=fake\nnative=%s\nseq=%d\n", d.native, d.seq)
	kinds := make([]webrtc.RTPCodecType, 0, len(d.senders))
	for k := range d.senders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		fmt.Fprintf(&b, "sender=%s:%s\n", k.String(), d.senders[k])
	}
	return b.String()
}

func decodeDescription(sdp string) (description, error) {
	d := description{senders: make(map[webrtc.RTPCodecType]string)}
	for _, line := range strings.Split(sdp, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "native":
			d.native = value
		case "seq":
			if _, err := fmt.Sscanf(value, "%d", &d.seq); err != nil {
				return d, fmt.Errorf("bad seq %q: %w", value, err)
			}
		case "sender":
			kind, id, ok := strings.Cut(value, ":")
			if !ok {
				return d, fmt.Errorf("bad sender %q", value)
			}
			d.senders[webrtc.NewRTPCodecType(kind)] = id
		}
	}
	if d.native == "" {
		return d, fmt.Errorf("not a fake description")
	}
	return d, nil
}

// serial runs queued callbacks one at a time in order.
type serial struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
}

func newSerial() *serial {
	s := &serial{}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *serial) push(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, f)
	s.cond.Signal()
}

// stop runs f as the last callback.
func (s *serial) stop(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if f != nil {
		s.queue = append(s.queue, f)
	}
	s.stopped = true
	s.cond.Signal()
}

func (s *serial) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		f()
	}
}
