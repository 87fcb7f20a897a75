// Package attach binds remote streams to playback elements without
// restarting playback when nothing visible changed.
package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
)

var (
	// ErrPlaybackAborted means a newer source replaced the one being played.
	ErrPlaybackAborted = errors.New("playback aborted by a new source")
	// ErrPlaybackInterrupted means playback was stopped before it started.
	ErrPlaybackInterrupted = errors.New("playback interrupted")
)

// Element is a playback surface. SetSource(nil) clears it.
type Element interface {
	SetSource(stream *media.RemoteStream)
	// Metadata is closed once the current source can describe its media.
	Metadata() <-chan struct{}
	// CanPlay is closed once the current source has data to play.
	CanPlay() <-chan struct{}
	Play(ctx context.Context) error
}

type binding struct {
	element Element
	ids     []string
	gen     uint64
	// settled is set once playback started or was aborted by a newer source.
	settled bool
}

type Attacher struct {
	mu      sync.Mutex
	gen     uint64
	bound   map[string]binding
	onError func(peerID string, err error)
}

type Option func(*Attacher)

// WithErrorHandler receives playback errors that are not aborts.
func WithErrorHandler(f func(peerID string, err error)) Option {
	return func(a *Attacher) { a.onError = f }
}

func New(opts ...Option) *Attacher {
	a := &Attacher{bound: make(map[string]binding)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach binds stream to el for peerID. The element is only given the new
// source when the set of video track IDs differs from what it is already
// showing; the result reports whether that happened. A binding whose playback
// has not started yet is played again. A nil stream detaches.
func (a *Attacher) Attach(ctx context.Context, peerID string, el Element, stream *media.RemoteStream) (bool, error) {
	if stream == nil {
		return a.Detach(peerID), nil
	}
	ids := stream.VideoTrackIDs()
	slices.Sort(ids)

	a.mu.Lock()
	prev, ok := a.bound[peerID]
	if ok && prev.element == el && media.SameTrackIDs(prev.ids, ids) {
		a.mu.Unlock()
		if prev.settled {
			metrics.StreamAttachmentsTotal.WithLabelValues("unchanged").Inc()
			return false, nil
		}
		metrics.StreamAttachmentsTotal.WithLabelValues("resumed").Inc()
		slog.Debug("resuming playback", "peer", peerID)
		return false, a.play(ctx, peerID, el, prev.gen)
	}
	a.gen++
	gen := a.gen
	a.bound[peerID] = binding{element: el, ids: ids, gen: gen}
	a.mu.Unlock()

	if ok && prev.element != el {
		prev.element.SetSource(nil)
	}
	el.SetSource(stream)
	metrics.StreamAttachmentsTotal.WithLabelValues("attached").Inc()
	slog.Debug("attached remote stream", "peer", peerID, "stream", stream.ID(), "videoTracks", ids)

	return true, a.play(ctx, peerID, el, gen)
}

func (a *Attacher) play(ctx context.Context, peerID string, el Element, gen uint64) error {
	select {
	case <-el.Metadata():
	case <-ctx.Done():
		return a.fail(peerID, fmt.Errorf("waiting for metadata: %w", ctx.Err()))
	}

	err := el.Play(ctx)
	if err == nil {
		a.settle(peerID, gen)
		return nil
	}
	if isAbort(err) {
		slog.Debug("playback aborted", "peer", peerID, "error", err)
		a.settle(peerID, gen)
		return nil
	}

	slog.Debug("play failed, retrying when playable", "peer", peerID, "error", err)
	select {
	case <-el.CanPlay():
	case <-ctx.Done():
		return a.fail(peerID, fmt.Errorf("waiting to retry play: %w", ctx.Err()))
	}
	if err := el.Play(ctx); err != nil {
		if isAbort(err) {
			slog.Debug("playback aborted", "peer", peerID, "error", err)
			a.settle(peerID, gen)
			return nil
		}
		return a.fail(peerID, err)
	}
	a.settle(peerID, gen)
	return nil
}

func (a *Attacher) settle(peerID string, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bound[peerID]; ok && b.gen == gen {
		b.settled = true
		a.bound[peerID] = b
	}
}

func isAbort(err error) bool {
	return errors.Is(err, ErrPlaybackAborted) || errors.Is(err, ErrPlaybackInterrupted)
}

func (a *Attacher) fail(peerID string, err error) error {
	metrics.StreamAttachmentsTotal.WithLabelValues("error").Inc()
	slog.Warn("failed to play remote stream", "peer", peerID, "error", err)
	a.mu.Lock()
	cb := a.onError
	a.mu.Unlock()
	if cb != nil {
		cb(peerID, err)
	}
	return err
}

// Detach forgets the binding of peerID and clears its element. It reports
// whether anything was bound.
func (a *Attacher) Detach(peerID string) bool {
	a.mu.Lock()
	b, ok := a.bound[peerID]
	delete(a.bound, peerID)
	a.mu.Unlock()

	if !ok {
		return false
	}
	b.element.SetSource(nil)
	metrics.StreamAttachmentsTotal.WithLabelValues("detached").Inc()
	slog.Debug("detached remote stream", "peer", peerID)
	return true
}

// Bound lists the peers that currently have an element attached.
func (a *Attacher) Bound() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.bound))
	for id := range a.bound {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
