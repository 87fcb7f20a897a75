// Package recorder provides the playback element remote streams are attached
// to. Playing an element tees its stream to IVF (VP8) and Ogg (Opus) files.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/attach"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var ErrNoSource = errors.New("element has no source")

var _ attach.Element = (*Element)(nil)

// Element records whatever stream it was last given. An empty directory
// consumes the stream without writing files.
type Element struct {
	dir    string
	peerID string

	mu       sync.Mutex
	source   *media.RemoteStream
	gen      uint64
	metadata chan struct{}
	canPlay  chan struct{}
	abort    chan struct{}
	rec      *recording
}

func NewElement(dir, peerID string) *Element {
	return &Element{dir: dir, peerID: peerID}
}

func (e *Element) PeerID() string { return e.peerID }

// Source returns the stream currently set, or nil.
func (e *Element) Source() *media.RemoteStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

// SetSource replaces the source, stopping any recording of the previous one
// and aborting a Play still waiting for it.
func (e *Element) SetSource(stream *media.RemoteStream) {
	e.mu.Lock()
	e.gen++
	if e.abort != nil {
		close(e.abort)
	}
	abort := make(chan struct{})
	meta := make(chan struct{})
	canPlay := make(chan struct{})
	e.abort, e.metadata, e.canPlay = abort, meta, canPlay
	old := e.rec
	e.rec = nil
	e.source = stream
	e.mu.Unlock()

	old.stop()
	if stream == nil {
		return
	}
	go func() {
		ready := stream.Ready()
		if ready == nil {
			return
		}
		select {
		case <-ready:
			close(meta)
			close(canPlay)
		case <-abort:
		}
	}()
}

func (e *Element) Metadata() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadata
}

func (e *Element) CanPlay() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canPlay
}

// Playing reports whether the current source is being recorded.
func (e *Element) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec != nil
}

// Files lists the files of the current recording.
func (e *Element) Files() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil
	}
	return append([]string(nil), e.rec.files...)
}

// Play starts recording the current source once it has media.
func (e *Element) Play(ctx context.Context) error {
	e.mu.Lock()
	gen, src, abort, meta := e.gen, e.source, e.abort, e.metadata
	playing := e.rec != nil
	e.mu.Unlock()

	if src == nil {
		return ErrNoSource
	}
	if playing {
		return nil
	}
	select {
	case <-meta:
	case <-abort:
		return attach.ErrPlaybackAborted
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", attach.ErrPlaybackInterrupted, ctx.Err())
	}

	rec, err := e.record(src)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		rec.stop()
		return attach.ErrPlaybackAborted
	}
	if e.rec != nil {
		rec.stop()
		return nil
	}
	e.rec = rec
	return nil
}

type recording struct {
	files  []string
	remove []func()
	sinks  []*writerSink
}

func (r *recording) stop() {
	if r == nil {
		return
	}
	for _, rm := range r.remove {
		rm()
	}
	for _, s := range r.sinks {
		s.close()
	}
}

// opusCodec is assumed for audio that has not arrived yet.
var opusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
}

// record tees src into writers. Video is bound to its pump; audio follows the
// stream, so a replaced microphone track keeps being recorded.
func (e *Element) record(src *media.RemoteStream) (*recording, error) {
	rec := &recording{}
	base := fmt.Sprintf("%s_%s", time.Now().Format("2006_01_02_15_04_05"), strings.ReplaceAll(src.ID(), "#", "-"))

	if v := src.Video(); v != nil {
		if err := e.addWriter(rec, base, v.Track().Codec(), v.AddSink); err != nil {
			rec.stop()
			return nil, err
		}
	}

	audioCodec := opusCodec
	if a := src.Audio(); a != nil {
		audioCodec = a.Track().Codec()
	}
	if err := e.addWriter(rec, base, audioCodec, src.AddAudioSink); err != nil {
		rec.stop()
		return nil, err
	}
	return rec, nil
}

func (e *Element) addWriter(rec *recording, base string, codec webrtc.RTPCodecParameters, attach func(media.Sink) func()) error {
	w, name, err := e.newWriter(base, codec)
	if err != nil || w == nil {
		return err
	}
	sink := &writerSink{w: w}
	rec.sinks = append(rec.sinks, sink)
	rec.remove = append(rec.remove, attach(sink))
	if name != "" {
		rec.files = append(rec.files, name)
		slog.Info("recording remote track", "peer", e.peerID, "mimeType", codec.MimeType, "outputFile", name)
	}
	return nil
}

func (e *Element) newWriter(base string, codec webrtc.RTPCodecParameters) (pionmedia.Writer, string, error) {
	var ext string
	switch codec.MimeType {
	case webrtc.MimeTypeOpus:
		ext = "_audio.ogg"
	case webrtc.MimeTypeVP8:
		ext = ".ivf"
	default:
		slog.Warn("failed to record track with unsupported mime type", "mimeType", codec.MimeType)
		return nil, "", nil
	}

	if e.dir == "" {
		if ext == ".ivf" {
			w, err := ivfwriter.NewWith(io.Discard)
			return w, "", err
		}
		w, err := oggwriter.NewWith(io.Discard, 48000, 2)
		return w, "", err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create record directory: %w", err)
	}
	name := filepath.Join(e.dir, base+ext)
	var (
		w   pionmedia.Writer
		err error
	)
	if ext == ".ivf" {
		w, err = ivfwriter.New(name)
	} else {
		w, err = oggwriter.New(name, 48000, 2)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file %s: %w", name, err)
	}
	return w, name, nil
}

type writerSink struct {
	mu     sync.Mutex
	w      pionmedia.Writer
	closed bool
}

func (s *writerSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.w.WriteRTP(pkt)
}

func (s *writerSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.w.Close(); err != nil {
		slog.Error("failed to close record writer", "error", err)
	}
}
