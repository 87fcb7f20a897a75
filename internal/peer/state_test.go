package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCanTransition(t *testing.T) {
	all := []State{StateNew, StateConnecting, StateConnected, StateDisconnected, StateFailed, StateClosed}
	allowed := map[State]map[State]bool{
		StateNew:          {StateConnecting: true, StateFailed: true, StateClosed: true},
		StateConnecting:   {StateConnected: true, StateDisconnected: true, StateFailed: true, StateClosed: true},
		StateConnected:    {StateDisconnected: true, StateFailed: true, StateClosed: true},
		StateDisconnected: {StateConnected: true, StateFailed: true, StateClosed: true},
		StateFailed:       {StateClosed: true},
		StateClosed:       {},
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StateNew, StateConnecting, StateConnected, StateDisconnected} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
	for _, s := range []State{StateFailed, StateClosed} {
		if !s.Terminal() {
			t.Errorf("%s not reported terminal", s)
		}
	}
}

func TestFromNative(t *testing.T) {
	tests := []struct {
		native webrtc.PeerConnectionState
		want   State
		ok     bool
	}{
		{webrtc.PeerConnectionStateNew, StateNew, true},
		{webrtc.PeerConnectionStateConnecting, StateConnecting, true},
		{webrtc.PeerConnectionStateConnected, StateConnected, true},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected, true},
		{webrtc.PeerConnectionStateFailed, StateFailed, true},
		{webrtc.PeerConnectionStateClosed, StateClosed, true},
		{webrtc.PeerConnectionStateUnknown, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.native.String(), func(t *testing.T) {
			got, ok := fromNative(tt.native)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("fromNative(%s) = %s, %v", tt.native, got, ok)
			}
		})
	}
}

func TestStateText(t *testing.T) {
	b, err := StateDisconnected.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "disconnected" {
		t.Errorf("MarshalText = %q", b)
	}
	if s := State(42).String(); s != "State(42)" {
		t.Errorf("unknown state string = %q", s)
	}
}
