// Package trackstate derives, per remote peer, whether its camera and
// microphone are on.
package trackstate

import "sync"

// State is what the local UI shows for one remote peer.
type State struct {
	VideoEnabled bool `json:"videoEnabled"`
	AudioEnabled bool `json:"audioEnabled"`
}

// NativeState is what the receivers of one peer report.
type NativeState struct {
	VideoPresent bool
	VideoEnded   bool
	VideoMuted   bool
	AudioPresent bool
	AudioEnded   bool
	AudioMuted   bool
}

func (n NativeState) derive() State {
	return State{
		VideoEnabled: n.VideoPresent && !n.VideoEnded && !n.VideoMuted,
		AudioEnabled: n.AudioPresent && !n.AudioEnded && !n.AudioMuted,
	}
}

type entry struct {
	native   NativeState
	explicit *State
}

// state is enabled only for a present, unended track. A received signal then
// decides the flag in place of the inferred mute.
func (e entry) state() State {
	if e.explicit == nil {
		return e.native.derive()
	}
	return State{
		VideoEnabled: e.native.VideoPresent && !e.native.VideoEnded && e.explicit.VideoEnabled,
		AudioEnabled: e.native.AudioPresent && !e.native.AudioEnded && e.explicit.AudioEnabled,
	}
}

// Tracker combines native receiver state with explicit toggle signals. Once a
// peer has signalled its state, the signal overrides mute detection but never
// revives a missing or ended track.
type Tracker struct {
	mu       sync.Mutex
	peers    map[string]entry
	onChange func(peerID string, s State)
}

func New() *Tracker {
	return &Tracker{peers: make(map[string]entry)}
}

// OnChange registers f to be called, outside the tracker lock, whenever a
// peer's derived state changes.
func (t *Tracker) OnChange(f func(peerID string, s State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = f
}

func (t *Tracker) SetNative(peerID string, n NativeState) {
	t.update(peerID, func(e *entry) { e.native = n })
}

func (t *Tracker) SetExplicit(peerID string, s State) {
	t.update(peerID, func(e *entry) { e.explicit = &s })
}

func (t *Tracker) update(peerID string, f func(*entry)) {
	t.mu.Lock()
	e, existed := t.peers[peerID]
	before := e.state()
	f(&e)
	t.peers[peerID] = e
	after := e.state()
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil && (!existed || before != after) {
		cb(peerID, after)
	}
}

// Forget drops everything known about peerID.
func (t *Tracker) Forget(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

func (t *Tracker) Get(peerID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[peerID]
	if !ok {
		return State{}, false
	}
	return e.state(), true
}

func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.peers))
	for id, e := range t.peers {
		out[id] = e.state()
	}
	return out
}
