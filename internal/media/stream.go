package media

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var streamSeq atomic.Uint64

// RemoteStream combines the video and audio pumps received from one peer. Its
// identity (ID) is fixed at creation; audio may be swapped in place.
type RemoteStream struct {
	peerID string
	id     string
	video  *TrackPump
	audio  *audioSlot

	viewOnce  sync.Once
	audioView *RemoteStream
}

// audioSlot is the swappable audio of a stream. Sinks registered on the slot
// move with it to whatever pump is current.
type audioSlot struct {
	mu     sync.RWMutex
	pump   *TrackPump
	nextID int
	sinks  map[int]*slotSink
}

type slotSink struct {
	sink   Sink
	remove func()
}

func NewRemoteStream(peerID string, video, audio *TrackPump) *RemoteStream {
	return &RemoteStream{
		peerID: peerID,
		id:     fmt.Sprintf("%s#%d", peerID, streamSeq.Add(1)),
		video:  video,
		audio:  &audioSlot{pump: audio, sinks: make(map[int]*slotSink)},
	}
}

func (s *RemoteStream) PeerID() string { return s.peerID }
func (s *RemoteStream) ID() string     { return s.id }

func (s *RemoteStream) Video() *TrackPump { return s.video }

func (s *RemoteStream) Audio() *TrackPump {
	s.audio.mu.RLock()
	defer s.audio.mu.RUnlock()
	return s.audio.pump
}

// SetAudio swaps the audio pump and moves every audio sink onto it.
func (s *RemoteStream) SetAudio(p *TrackPump) {
	a := s.audio
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pump == p {
		return
	}
	a.pump = p
	for _, ss := range a.sinks {
		if ss.remove != nil {
			ss.remove()
			ss.remove = nil
		}
		if p != nil {
			ss.remove = p.AddSink(ss.sink)
		}
	}
}

// AddAudioSink registers sink on the stream's audio, current and future, and
// returns a function removing it again.
func (s *RemoteStream) AddAudioSink(sink Sink) func() {
	a := s.audio
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	ss := &slotSink{sink: sink}
	if a.pump != nil {
		ss.remove = a.pump.AddSink(sink)
	}
	a.sinks[id] = ss
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		ss, ok := a.sinks[id]
		if !ok {
			return
		}
		delete(a.sinks, id)
		if ss.remove != nil {
			ss.remove()
		}
	}
}

// AudioOnly returns the stream without its video, sharing the audio. The view
// is created once, so repeated calls return the same stream.
func (s *RemoteStream) AudioOnly() *RemoteStream {
	if s.video == nil {
		return s
	}
	s.viewOnce.Do(func() {
		s.audioView = &RemoteStream{
			peerID: s.peerID,
			id:     s.id + "-audio",
			audio:  s.audio,
		}
	})
	return s.audioView
}

// VideoTrackIDs returns the sorted keys of the stream's video tracks.
func (s *RemoteStream) VideoTrackIDs() []string {
	if s == nil {
		return nil
	}
	v := s.Video()
	if v == nil {
		return []string{}
	}
	return []string{v.Key()}
}

// Ready is closed when the stream has media to show: the video's first packet,
// or the audio's when there is no video.
func (s *RemoteStream) Ready() <-chan struct{} {
	if v := s.Video(); v != nil {
		return v.Ready()
	}
	if a := s.Audio(); a != nil {
		return a.Ready()
	}
	return nil
}

// SameTrackIDs compares two track ID sets regardless of order.
func SameTrackIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
