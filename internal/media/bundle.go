// Package media holds the local and remote media primitives the peer links
// exchange: the local track bundle, remote track pumps and per-peer streams.
package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Bundle is a snapshot of the local camera and microphone. It is read at the
// moment a link is opened or renegotiated and must not be cached beyond that.
type Bundle struct {
	Video        webrtc.TrackLocal
	Audio        webrtc.TrackLocal
	VideoEnabled bool
	AudioEnabled bool
}

func (b Bundle) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return b.Video
	case webrtc.RTPCodecTypeAudio:
		return b.Audio
	}
	return nil
}

func (b Bundle) Enabled(kind webrtc.RTPCodecType) bool {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return b.VideoEnabled && b.Video != nil
	case webrtc.RTPCodecTypeAudio:
		return b.AudioEnabled && b.Audio != nil
	}
	return false
}

// Outgoing is the track a sender of the given kind should carry: the local track
// when present and enabled, nil otherwise.
func (b Bundle) Outgoing(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	if !b.Enabled(kind) {
		return nil
	}
	return b.Track(kind)
}

// Kinds lists the media kinds every link negotiates a sender for.
var Kinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}

// Source produces the local bundle and owns its enable toggles.
type Source interface {
	Bundle() Bundle
	SetVideoEnabled(enabled bool)
	SetAudioEnabled(enabled bool)
}

// LocalSource owns one VP8 video and one Opus audio sample track.
type LocalSource struct {
	mu           sync.RWMutex
	video        *webrtc.TrackLocalStaticSample
	audio        *webrtc.TrackLocalStaticSample
	videoEnabled bool
	audioEnabled bool
}

type SourceOption func(*sourceOptions)

type sourceOptions struct {
	noVideo, noAudio bool
	videoOff         bool
	audioOff         bool
}

// WithoutVideo creates a source with no camera track at all.
func WithoutVideo() SourceOption { return func(o *sourceOptions) { o.noVideo = true } }

// WithoutAudio creates a source with no microphone track at all.
func WithoutAudio() SourceOption { return func(o *sourceOptions) { o.noAudio = true } }

// WithVideoOff starts with the camera present but disabled.
func WithVideoOff() SourceOption { return func(o *sourceOptions) { o.videoOff = true } }

// WithAudioOff starts with the microphone present but disabled.
func WithAudioOff() SourceOption { return func(o *sourceOptions) { o.audioOff = true } }

func NewLocalSource(streamID string, opts ...SourceOption) (*LocalSource, error) {
	var o sourceOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &LocalSource{videoEnabled: !o.videoOff, audioEnabled: !o.audioOff}
	var err error
	if !o.noVideo {
		s.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			streamID+"-video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
	}
	if !o.noAudio {
		s.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			streamID+"-audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
	}
	return s, nil
}

func (s *LocalSource) Bundle() Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := Bundle{VideoEnabled: s.videoEnabled, AudioEnabled: s.audioEnabled}
	if s.video != nil {
		b.Video = s.video
	}
	if s.audio != nil {
		b.Audio = s.audio
	}
	return b
}

func (s *LocalSource) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = enabled
}

func (s *LocalSource) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

// WriteVideo forwards a sample while the camera is enabled and drops it otherwise.
func (s *LocalSource) WriteVideo(sample pionmedia.Sample) error {
	s.mu.RLock()
	track, on := s.video, s.videoEnabled
	s.mu.RUnlock()
	if track == nil || !on {
		return nil
	}
	return track.WriteSample(sample)
}

func (s *LocalSource) WriteAudio(sample pionmedia.Sample) error {
	s.mu.RLock()
	track, on := s.audio, s.audioEnabled
	s.mu.RUnlock()
	if track == nil || !on {
		return nil
	}
	return track.WriteSample(sample)
}
