package api

import (
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeJoin   = MessageType("join")
	MessageTypeRoster = MessageType("roster")
	MessageTypeSignal = MessageType("signal")
	MessageTypePing   = MessageType("ping")
	MessageTypePong   = MessageType("pong")
	MessageTypeError  = MessageType("error")
)

type SignalKind string

const (
	SignalKindOffer      = SignalKind("offer")
	SignalKindAnswer     = SignalKind("answer")
	SignalKindCandidate  = SignalKind("candidate")
	SignalKindTrackState = SignalKind("track_state")
)

// Envelope is the single frame type exchanged with the relay. Exactly one of the
// payload pointers is set, matching Type.
type Envelope struct {
	Type        MessageType `json:"type" msgpack:"type"`
	Room        string      `json:"room,omitempty" msgpack:"room,omitempty"`
	From        string      `json:"from,omitempty" msgpack:"from,omitempty"`
	FromSession string      `json:"fromSession,omitempty" msgpack:"fromSession,omitempty"`
	To          string      `json:"to,omitempty" msgpack:"to,omitempty"`
	ToSession   string      `json:"toSession,omitempty" msgpack:"toSession,omitempty"`

	Join   *JoinMessage   `json:"join,omitempty" msgpack:"join,omitempty"`
	Roster *RosterMessage `json:"roster,omitempty" msgpack:"roster,omitempty"`
	Signal *SignalMessage `json:"signal,omitempty" msgpack:"signal,omitempty"`
	Ping   *PingMessage   `json:"ping,omitempty" msgpack:"ping,omitempty"`
	Error  *ErrorMessage  `json:"error,omitempty" msgpack:"error,omitempty"`
}

type JoinMessage struct {
	Participant domain.Participant `json:"participant" msgpack:"participant"`
	Credential  string             `json:"credential,omitempty" msgpack:"credential,omitempty"`
}

type RosterMessage struct {
	Participants []domain.Participant  `json:"participants" msgpack:"participants"`
	PcConfig     *PeerConnectionConfig `json:"pcConfig,omitempty" msgpack:"pcConfig,omitempty"`
	PingInterval int                   `json:"pingInterval,omitempty" msgpack:"pingInterval,omitempty"`
}

type PingMessage struct {
	Timestamp int64 `json:"timestamp" msgpack:"timestamp"`
}

type ErrorMessage struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

type SignalMessage struct {
	Kind       SignalKind                 `json:"kind" msgpack:"kind"`
	SDP        *webrtc.SessionDescription `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
	TrackState *TrackStateMessage         `json:"trackState,omitempty" msgpack:"trackState,omitempty"`
}

type TrackStateMessage struct {
	VideoEnabled bool `json:"videoEnabled" msgpack:"videoEnabled"`
	AudioEnabled bool `json:"audioEnabled" msgpack:"audioEnabled"`
}

const (
	ErrorCodeAuth       = "auth_failed"
	ErrorCodeRoomFull   = "room_full"
	ErrorCodeBadRequest = "bad_request"
	ErrorCodeNoPeer     = "peer_not_found"
)
