package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// State is the consolidated lifecycle of a Link.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition except close is possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

var transitions = map[State][]State{
	StateNew:          {StateConnecting, StateFailed, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed, StateClosed},
	StateConnected:    {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
	StateClosed:       {},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func fromNative(s webrtc.PeerConnectionState) (State, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	}
	return 0, false
}
