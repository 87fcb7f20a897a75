package recorder

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/attach"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media/mediatest"
	"github.com/pion/webrtc/v4"
)

func newStream(t *testing.T, peerID string) (*media.RemoteStream, *mediatest.Track, *mediatest.Track) {
	t.Helper()
	video := mediatest.NewTrack(peerID+"-video", webrtc.RTPCodecTypeVideo)
	audio := mediatest.NewTrack(peerID+"-audio", webrtc.RTPCodecTypeAudio)
	t.Cleanup(video.End)
	t.Cleanup(audio.End)
	return media.NewRemoteStream(peerID, media.NewTrackPump(video, nil), media.NewTrackPump(audio, nil)), video, audio
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fileSize(name string) int64 {
	info, err := os.Stat(name)
	if err != nil {
		return -1
	}
	return info.Size()
}

func TestElementRecordsAttachedStream(t *testing.T) {
	dir := t.TempDir()
	el := NewElement(dir, "bob")
	stream, video, audio := newStream(t, "bob")

	el.SetSource(stream)
	video.Push()
	audio.Push()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := el.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !el.Playing() {
		t.Fatal("element not playing")
	}

	files := el.Files()
	if len(files) != 2 {
		t.Fatalf("files = %v, want video and audio", files)
	}
	var ivf string
	for _, f := range files {
		if !strings.HasPrefix(f, dir) {
			t.Errorf("file %s outside %s", f, dir)
		}
		if strings.HasSuffix(f, ".ivf") {
			ivf = f
		}
	}
	if ivf == "" {
		t.Fatalf("no ivf file in %v", files)
	}

	for i := 0; i < 5; i++ {
		video.Push()
		audio.Push()
	}
	// 32 byte IVF header, then one frame header per packet
	waitFor(t, "video frames on disk", func() bool { return fileSize(ivf) > 32 })

	el.SetSource(nil)
	if el.Playing() {
		t.Error("still playing after the source was cleared")
	}
}

func TestSetSourceAbortsPendingPlay(t *testing.T) {
	el := NewElement("", "bob")
	stream, _, _ := newStream(t, "bob")
	el.SetSource(stream)

	errc := make(chan error, 1)
	go func() { errc <- el.Play(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	other, _, _ := newStream(t, "bob")
	el.SetSource(other)

	select {
	case err := <-errc:
		if !errors.Is(err, attach.ErrPlaybackAborted) {
			t.Fatalf("Play = %v, want ErrPlaybackAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Play not aborted")
	}
}

func TestPlayInterrupted(t *testing.T) {
	el := NewElement("", "bob")
	stream, _, _ := newStream(t, "bob")
	el.SetSource(stream)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := el.Play(ctx); !errors.Is(err, attach.ErrPlaybackInterrupted) {
		t.Fatalf("Play = %v, want ErrPlaybackInterrupted", err)
	}
}

func TestPlayWithoutSource(t *testing.T) {
	if err := NewElement("", "bob").Play(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Play = %v, want ErrNoSource", err)
	}
}

func TestAttacherDrivesElement(t *testing.T) {
	el := NewElement("", "bob")
	stream, video, _ := newStream(t, "bob")
	a := attach.New()

	video.Push()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	changed, err := a.Attach(ctx, "bob", el, stream)
	if !changed || err != nil {
		t.Fatalf("Attach = %v, %v", changed, err)
	}
	if !el.Playing() || el.Source() != stream {
		t.Fatal("element not playing the attached stream")
	}

	a.Detach("bob")
	if el.Source() != nil || el.Playing() {
		t.Error("detach left the element playing")
	}
}

func TestElementFollowsAudioSwap(t *testing.T) {
	dir := t.TempDir()
	el := NewElement(dir, "bob")
	stream, video, _ := newStream(t, "bob")

	el.SetSource(stream)
	video.Push()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := el.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	var ogg string
	for _, f := range el.Files() {
		if strings.HasSuffix(f, ".ogg") {
			ogg = f
		}
	}
	if ogg == "" {
		t.Fatalf("no ogg file in %v", el.Files())
	}
	before := fileSize(ogg)

	mic := mediatest.NewTrack("bob-audio-2", webrtc.RTPCodecTypeAudio)
	t.Cleanup(mic.End)
	stream.SetAudio(media.NewTrackPump(mic, nil))
	for i := 0; i < 5; i++ {
		mic.Push()
	}
	waitFor(t, "new microphone on disk", func() bool { return fileSize(ogg) > before })
	if el.Source() != stream {
		t.Error("audio swap replaced the element's source")
	}
}

func TestAttachResumesPlaybackAfterLateMetadata(t *testing.T) {
	el := NewElement("", "bob")
	stream, video, _ := newStream(t, "bob")
	a := attach.New()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	changed, err := a.Attach(ctx, "bob", el, stream)
	cancel()
	if !changed || err == nil {
		t.Fatalf("Attach before metadata = %v, %v; want changed with an error", changed, err)
	}

	video.Push()
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	changed, err = a.Attach(ctx, "bob", el, stream)
	if changed || err != nil {
		t.Fatalf("Attach after metadata = %v, %v; want unchanged without error", changed, err)
	}
	if !el.Playing() {
		t.Fatal("playback not resumed once metadata arrived")
	}
}
