package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the part of *webrtc.TrackRemote the pump reads from.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink receives every packet read from a remote track.
type Sink interface {
	WriteRTP(packet *rtp.Packet) error
}

// TrackPump is the only reader of a remote track. It fans packets out to sinks
// and records liveness: first packet (ready), last packet (muted) and EOF (ended).
type TrackPump struct {
	track   RemoteTrack
	started time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	lastPacket atomic.Int64
	ended      atomic.Bool

	mu     sync.RWMutex
	sinks  map[int]Sink
	nextID int

	onEnded func(*TrackPump)
}

func NewTrackPump(track RemoteTrack, onEnded func(*TrackPump)) *TrackPump {
	p := &TrackPump{
		track:   track,
		started: time.Now(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		sinks:   make(map[int]Sink),
		onEnded: onEnded,
	}
	metrics.RemoteTracksTotal.WithLabelValues(track.Kind().String()).Inc()
	go p.readLoop()
	return p
}

func (p *TrackPump) ID() string                { return p.track.ID() }
func (p *TrackPump) Kind() webrtc.RTPCodecType { return p.track.Kind() }
func (p *TrackPump) Track() RemoteTrack        { return p.track }

// Key identifies the received track: the sender's track ID alone repeats
// across connections, the SSRC does not.
func (p *TrackPump) Key() string {
	return fmt.Sprintf("%s/%d", p.track.ID(), p.track.SSRC())
}

// Ready is closed once the first packet has been read.
func (p *TrackPump) Ready() <-chan struct{} { return p.ready }

// Done is closed when the track has ended.
func (p *TrackPump) Done() <-chan struct{} { return p.done }

func (p *TrackPump) Ended() bool { return p.ended.Load() }

// Muted reports whether no packet arrived within the last after. A pump that
// never received anything counts from its creation.
func (p *TrackPump) Muted(now time.Time, after time.Duration) bool {
	last := p.lastPacket.Load()
	if last == 0 {
		return now.Sub(p.started) > after
	}
	return now.Sub(time.Unix(0, last)) > after
}

// AddSink registers s and returns a function removing it again.
func (p *TrackPump) AddSink(s Sink) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.sinks[id] = s
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.sinks, id)
		p.mu.Unlock()
	}
}

func (p *TrackPump) readLoop() {
	defer func() {
		p.ended.Store(true)
		close(p.done)
		if p.onEnded != nil {
			p.onEnded(p)
		}
	}()

	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("remote track ended", "track", p.track.ID())
			} else {
				slog.Warn("error reading remote track", "track", p.track.ID(), "error", err)
			}
			return
		}

		metrics.RTPPacketsReceived.Inc()
		p.lastPacket.Store(time.Now().UnixNano())
		p.readyOnce.Do(func() { close(p.ready) })

		p.mu.RLock()
		for _, s := range p.sinks {
			if err := s.WriteRTP(pkt); err != nil {
				slog.Debug("sink rejected packet", "track", p.track.ID(), "error", err)
			}
		}
		p.mu.RUnlock()
	}
}
