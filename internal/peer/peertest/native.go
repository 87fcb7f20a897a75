package peertest

import (
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PacketInterval is how often a fake remote track produces a packet.
const PacketInterval = 10 * time.Millisecond

// Native is a fake peer connection. It satisfies peer.Native.
type Native struct {
	net    *Network
	id     string
	self   string
	peer   string
	seq    int
	events *serial

	mu          sync.Mutex
	signal      webrtc.SignalingState
	conn        webrtc.PeerConnectionState
	closed      bool
	offerSeq    int
	hasLocal    bool
	hasRemote   bool
	exchanged   bool
	remote      *Native
	senders     map[webrtc.RTPCodecType]*Sender
	tracks      map[webrtc.RTPCodecType]*Track
	candidates  []webrtc.ICECandidateInit
	plis        int
	onCandidate func(*webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(media.RemoteTrack)
}

var _ peer.Native = (*Native)(nil)

func (n *Native) ID() string   { return n.id }
func (n *Native) created() int { return n.seq }

func (n *Native) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Native) ConnectionState() webrtc.PeerConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}

func (n *Native) SignalingState() webrtc.SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signal
}

// Candidates returns the remote candidates added so far.
func (n *Native) Candidates() []webrtc.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(n.candidates))
	copy(out, n.candidates)
	return out
}

// PLIs counts keyframe requests written.
func (n *Native) PLIs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.plis
}

func (n *Native) Sender(kind webrtc.RTPCodecType) *Sender {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senders[kind]
}

func (n *Native) remoteNative() *Native {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

func (n *Native) negotiatedWith() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exchanged && !n.closed
}

func (n *Native) connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn == webrtc.PeerConnectionStateConnected && !n.closed
}

func (n *Native) connectIfNew() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.conn != webrtc.PeerConnectionStateNew {
		return
	}
	n.conn = webrtc.PeerConnectionStateConnected
	n.emitState(webrtc.PeerConnectionStateConnecting)
	n.emitState(webrtc.PeerConnectionStateConnected)
}

// SetConnectionState forces the connection state and reports it.
func (n *Native) SetConnectionState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.conn == s {
		return
	}
	n.conn = s
	n.emitState(s)
}

// emitState must be called with mu held.
func (n *Native) emitState(s webrtc.PeerConnectionState) {
	n.events.push(func() {
		n.mu.Lock()
		f := n.onState
		n.mu.Unlock()
		if f != nil {
			f(s)
		}
	})
}

func (n *Native) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	return n.addSender(track.Kind(), track)
}

func (n *Native) AddTransceiver(kind webrtc.RTPCodecType) (peer.Sender, error) {
	return n.addSender(kind, nil)
}

func (n *Native) addSender(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (peer.Sender, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if _, ok := n.senders[kind]; ok {
		return nil, fmt.Errorf("peertest: %s sender already exists", kind)
	}
	s := &Sender{native: n, kind: kind, track: track}
	if track != nil {
		s.msid = track.ID()
	} else {
		s.msid = fmt.Sprintf("%s-%s", n.id, kind)
	}
	n.senders[kind] = s
	return s, nil
}

func (n *Native) describe(sdpType webrtc.SDPType) webrtc.SessionDescription {
	n.offerSeq++
	d := description{native: n.id, seq: n.offerSeq, senders: make(map[webrtc.RTPCodecType]string)}
	for kind, s := range n.senders {
		d.senders[kind] = s.msid
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: encodeDescription(d)}
}

func (n *Native) CreateOffer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if n.signal != webrtc.SignalingStateStable && n.signal != webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer in %s", ErrInvalidState, n.signal)
	}
	return n.describe(webrtc.SDPTypeOffer), nil
}

func (n *Native) CreateAnswer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if n.signal != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, n.signal)
	}
	return n.describe(webrtc.SDPTypeAnswer), nil
}

func (n *Native) SetLocalDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	first := !n.hasLocal
	completed := false
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if n.signal != webrtc.SignalingStateStable && n.signal != webrtc.SignalingStateHaveLocalOffer {
			n.mu.Unlock()
			return fmt.Errorf("%w: local offer in %s", ErrInvalidState, n.signal)
		}
		n.signal = webrtc.SignalingStateHaveLocalOffer
		n.hasLocal = true
	case webrtc.SDPTypeAnswer:
		if n.signal != webrtc.SignalingStateHaveRemoteOffer {
			n.mu.Unlock()
			return fmt.Errorf("%w: local answer in %s", ErrInvalidState, n.signal)
		}
		n.signal = webrtc.SignalingStateStable
		n.hasLocal = true
		n.exchanged = true
		completed = true
	case webrtc.SDPTypeRollback:
		if n.signal == webrtc.SignalingStateStable {
			n.mu.Unlock()
			return fmt.Errorf("%w: rollback in stable", ErrInvalidState)
		}
		n.signal = webrtc.SignalingStateStable
		first = false
	default:
		n.mu.Unlock()
		return fmt.Errorf("%w: unsupported local description %s", ErrInvalidState, desc.Type)
	}
	if first && n.hasLocal {
		candidate := webrtc.ICECandidateInit{Candidate: "candidate:fake " + n.id}
		n.events.push(func() {
			n.mu.Lock()
			f := n.onCandidate
			n.mu.Unlock()
			if f != nil {
				f(&candidate)
			}
		})
	}
	n.mu.Unlock()

	if completed {
		n.net.tryConnect(n)
	}
	return nil
}

func (n *Native) SetRemoteDescription(desc webrtc.SessionDescription) error {
	d, err := decodeDescription(desc.SDP)
	if err != nil {
		return err
	}
	remote := n.net.lookup(d.native)
	if remote == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNative, d.native)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	completed := false
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if n.signal != webrtc.SignalingStateStable && n.signal != webrtc.SignalingStateHaveRemoteOffer {
			n.mu.Unlock()
			return fmt.Errorf("%w: remote offer in %s", ErrInvalidState, n.signal)
		}
		n.signal = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if n.signal != webrtc.SignalingStateHaveLocalOffer {
			n.mu.Unlock()
			return fmt.Errorf("%w: remote answer in %s", ErrInvalidState, n.signal)
		}
		n.signal = webrtc.SignalingStateStable
		n.exchanged = true
		completed = true
	default:
		n.mu.Unlock()
		return fmt.Errorf("%w: unsupported remote description %s", ErrInvalidState, desc.Type)
	}
	n.hasRemote = true
	n.remote = remote
	n.mu.Unlock()

	for kind, msid := range d.senders {
		s := remote.Sender(kind)
		if s == nil {
			continue
		}
		n.mu.Lock()
		if _, ok := n.tracks[kind]; !ok {
			t := newTrack(n, s, msid)
			n.tracks[kind] = t
			go t.run()
		}
		n.mu.Unlock()
	}

	if completed {
		n.net.tryConnect(n)
	}
	return nil
}

func (n *Native) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if !n.hasRemote {
		return ErrNoRemote
	}
	n.candidates = append(n.candidates, candidate)
	return nil
}

func (n *Native) WriteRTCP(pkts []rtcp.Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	for _, p := range pkts {
		if _, ok := p.(*rtcp.PictureLossIndication); ok {
			n.plis++
		}
	}
	return nil
}

func (n *Native) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onCandidate = f
}

func (n *Native) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onState = f
}

func (n *Native) OnTrack(f func(media.RemoteTrack)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTrack = f
}

// Close ends the connection. A connected remote end drops to disconnected.
func (n *Native) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.conn = webrtc.PeerConnectionStateClosed
	n.signal = webrtc.SignalingStateClosed
	remote := n.remote
	n.events.stop(func() {
		n.mu.Lock()
		f := n.onState
		n.mu.Unlock()
		if f != nil {
			f(webrtc.PeerConnectionStateClosed)
		}
	})
	n.mu.Unlock()

	if remote != nil && remote.remoteNative() == n && remote.connected() {
		remote.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	}
	return nil
}

// Sender is a fake outgoing sender.
type Sender struct {
	native *Native
	kind   webrtc.RTPCodecType
	msid   string

	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	if s.native.Closed() {
		return ErrClosed
	}
	if track != nil && track.Kind() != s.kind {
		return fmt.Errorf("peertest: %s track on %s sender", track.Kind(), s.kind)
	}
	if s.native.net.takeFailure(s.native.self) {
		return ErrInjectedFailure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Replaced counts successful ReplaceTrack calls.
func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// Track is a fake remote track fed from the remote side's sender.
type Track struct {
	owner  *Native
	source *Sender
	id     string
	ssrc   webrtc.SSRC

	packets chan *rtp.Packet
	done    chan struct{}
}

func newTrack(owner *Native, source *Sender, id string) *Track {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source.native.id + id))
	return &Track{
		owner:   owner,
		source:  source,
		id:      id,
		ssrc:    webrtc.SSRC(h.Sum32()),
		packets: make(chan *rtp.Packet, 64),
		done:    make(chan struct{}),
	}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) StreamID() string          { return t.source.native.self }
func (t *Track) Kind() webrtc.RTPCodecType { return t.source.kind }
func (t *Track) SSRC() webrtc.SSRC         { return t.ssrc }

func (t *Track) Codec() webrtc.RTPCodecParameters {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		}
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
}

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-t.packets:
		return p, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}

// run produces packets while the source sender carries a track and the
// receiving side is connected. The first packet announces the track.
func (t *Track) run() {
	ticker := time.NewTicker(PacketInterval)
	defer ticker.Stop()
	defer close(t.done)

	var (
		seq       uint16
		announced bool
	)
	for range ticker.C {
		if t.owner.Closed() || t.source.native.Closed() {
			return
		}
		if t.source.Track() == nil || !t.owner.connected() {
			continue
		}
		seq++
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    uint8(t.Codec().PayloadType),
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 3000,
				SSRC:           uint32(t.ssrc),
			},
			// VP8 descriptor with the start bit, then a keyframe header byte.
			Payload: []byte{0x10, 0x00, 0x00, 0x00},
		}
		if !announced {
			announced = true
			t.owner.events.push(func() {
				t.owner.mu.Lock()
				f := t.owner.onTrack
				t.owner.mu.Unlock()
				if f != nil {
					f(t)
				}
			})
		}
		select {
		case t.packets <- pkt:
		default:
		}
	}
}
