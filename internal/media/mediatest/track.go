// Package mediatest provides a hand-fed remote track for tests.
package mediatest

import (
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is a remote track whose packets are pushed by the test.
type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet
	once    sync.Once
	seq     uint16
	mu      sync.Mutex
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, packets: make(chan *rtp.Packet, 64)}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) StreamID() string          { return "mediatest" }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) SSRC() webrtc.SSRC         { return 1 }

func (t *Track) Codec() webrtc.RTPCodecParameters {
	if t.kind == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		}
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
}

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

// Push queues one keyframe-sized packet.
func (t *Track) Push() {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()
	t.packets <- &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    uint8(t.Codec().PayloadType),
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           1,
		},
		Payload: []byte{0x10, 0x00, 0x00, 0x00},
	}
}

// End makes the reader see EOF once queued packets are drained.
func (t *Track) End() {
	t.once.Do(func() { close(t.packets) })
}
