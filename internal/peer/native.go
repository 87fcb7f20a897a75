package peer

import (
	"log/slog"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Sender is one outgoing RTP sender. *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// Native is the subset of a pion peer connection a Link drives. It exists so
// links can run over an in-memory fake in tests.
type Native interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	AddTransceiver(kind webrtc.RTPCodecType) (Sender, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	WriteRTCP(pkts []rtcp.Packet) error

	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnTrack(f func(track media.RemoteTrack))

	Close() error
}

// NativeFactory creates a fresh native connection for one remote peer.
type NativeFactory func(peerID string) (Native, error)

type pionNative struct {
	pc *webrtc.PeerConnection
}

// NewPionFactory builds natives from api using cfg for every connection.
func NewPionFactory(api *webrtc.API, cfg webrtc.Configuration) NativeFactory {
	return func(peerID string) (Native, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionNative{pc: pc}, nil
	}
}

func (n *pionNative) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

func (n *pionNative) AddTransceiver(kind webrtc.RTPCodecType) (Sender, error) {
	tr, err := n.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	sender := tr.Sender()
	go drainRTCP(sender)
	return sender, nil
}

// drainRTCP keeps interceptors fed; pion only processes sender RTCP while it is read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (n *pionNative) CreateOffer() (webrtc.SessionDescription, error) {
	return n.pc.CreateOffer(nil)
}

func (n *pionNative) CreateAnswer() (webrtc.SessionDescription, error) {
	return n.pc.CreateAnswer(nil)
}

func (n *pionNative) SetLocalDescription(desc webrtc.SessionDescription) error {
	return n.pc.SetLocalDescription(desc)
}

func (n *pionNative) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return n.pc.SetRemoteDescription(desc)
}

func (n *pionNative) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(candidate)
}

func (n *pionNative) SignalingState() webrtc.SignalingState {
	return n.pc.SignalingState()
}

func (n *pionNative) WriteRTCP(pkts []rtcp.Packet) error {
	return n.pc.WriteRTCP(pkts)
}

func (n *pionNative) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (n *pionNative) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	n.pc.OnConnectionStateChange(f)
}

func (n *pionNative) OnTrack(f func(media.RemoteTrack)) {
	n.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		slog.Debug("remote track received", "track", track.ID(), "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		f(track)
	})
}

func (n *pionNative) Close() error {
	return n.pc.Close()
}
