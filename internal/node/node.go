// Package node runs one participant: it joins a room over the configured
// signalling transport, keeps the coordinator's mesh up, plays every remote
// stream into a recorder element and serves its status.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/attach"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/coordinator"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/discovery"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/recorder"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/signal"
	"golang.org/x/sync/errgroup"
)

const attachTimeout = 5 * time.Second

type Node struct {
	cfg    config.AppConfig
	self   domain.Participant
	sig    signal.Channel
	source *media.LocalSource
	coord  *coordinator.Coordinator

	attacher *attach.Attacher
	mu       sync.Mutex
	elements map[string]*recorder.Element
}

type options struct {
	channel       signal.Channel
	factory       peer.NativeFactory
	sourceOptions []media.SourceOption
	coordinator   []coordinator.Option
}

type Option func(*options)

// WithChannel uses ch instead of dialling the configured transport.
func WithChannel(ch signal.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithFactory replaces the pion factory built from the webrtc config.
func WithFactory(f peer.NativeFactory) Option {
	return func(o *options) { o.factory = f }
}

func WithSourceOptions(opts ...media.SourceOption) Option {
	return func(o *options) { o.sourceOptions = append(o.sourceOptions, opts...) }
}

func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(o *options) { o.coordinator = append(o.coordinator, opts...) }
}

// DialChannel connects self to the room named in cfg.
func DialChannel(ctx context.Context, cfg config.SignalConfig, self domain.Participant) (signal.Channel, error) {
	switch cfg.Transport {
	case "mqtt":
		return signal.DialMQTT(ctx, signal.MQTTConfig{
			Broker:    cfg.MQTTBroker,
			Prefix:    cfg.MQTTTopicPrefix,
			Room:      cfg.Room,
			Self:      self,
			Heartbeat: config.Millis(cfg.PingInterval),
		})
	case "websocket", "":
		url := cfg.URL
		if cfg.Discover {
			found, err := discovery.FindRelay(ctx, config.Millis(cfg.DiscoverTimeout))
			if err != nil {
				return nil, fmt.Errorf("failed to discover relay: %w", err)
			}
			slog.Info("discovered relay", "url", found)
			url = found
		}
		return signal.DialWebSocket(ctx, signal.WebSocketConfig{
			URL:          url,
			Room:         cfg.Room,
			Self:         self,
			Credential:   cfg.Credential,
			PingInterval: config.Millis(cfg.PingInterval),
		})
	default:
		return nil, fmt.Errorf("unknown signal transport %q", cfg.Transport)
	}
}

func New(ctx context.Context, cfg config.AppConfig, self domain.Participant, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	source, err := media.NewLocalSource(self.ID, o.sourceOptions...)
	if err != nil {
		return nil, err
	}

	sig := o.channel
	if sig == nil {
		sig, err = DialChannel(ctx, cfg.Signal, self)
		if err != nil {
			return nil, err
		}
	}

	factory := o.factory
	if factory == nil {
		pionAPI, err := peer.NewAPI(cfg.WebRTC)
		if err != nil {
			_ = sig.Close()
			return nil, err
		}
		pcConfig := cfg.WebRTC.PeerConnectionConfig
		if announcer, ok := sig.(interface {
			PeerConnectionConfig() *api.PeerConnectionConfig
		}); ok && announcer.PeerConnectionConfig() != nil {
			pcConfig = *announcer.PeerConnectionConfig()
		}
		factory = peer.NewPionFactory(pionAPI, pcConfig.WebrtcConfiguration())
	}

	coordOpts := append([]coordinator.Option{
		coordinator.WithPolicy(coordinator.PolicyFromConfig(cfg.Coordinator)),
	}, o.coordinator...)

	n := &Node{
		cfg:      cfg,
		self:     self,
		sig:      sig,
		source:   source,
		coord:    coordinator.New(self, sig, source, factory, coordOpts...),
		elements: make(map[string]*recorder.Element),
	}
	n.attacher = attach.New(attach.WithErrorHandler(func(peerID string, err error) {
		slog.Warn("playback failed", "peer", peerID, "error", err)
	}))
	return n, nil
}

func (n *Node) Self() domain.Participant              { return n.self }
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }

// ApplyConfig pushes a reloaded configuration into the running node.
func (n *Node) ApplyConfig(cfg *config.AppConfig) {
	n.coord.SetPolicy(coordinator.PolicyFromConfig(cfg.Coordinator))
	slog.Info("coordinator policy updated")
}

// Run blocks until ctx is done or the signalling channel is lost.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.coord.Run(ctx) })
	g.Go(func() error { return n.renderLoop(ctx) })

	if path := n.cfg.Node.VideoFile; path != "" {
		g.Go(func() error { return media.FeedIVF(ctx, path, n.source.WriteVideo) })
	}
	if path := n.cfg.Node.AudioFile; path != "" {
		g.Go(func() error { return media.FeedOgg(ctx, path, n.source.WriteAudio) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) renderLoop(ctx context.Context) error {
	n.render(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.coord.Changes():
			n.render(ctx)
		}
	}
}

func (n *Node) element(peerID string) *recorder.Element {
	n.mu.Lock()
	defer n.mu.Unlock()
	el, ok := n.elements[peerID]
	if !ok {
		dir := ""
		if n.cfg.Record.Enabled {
			dir = n.cfg.Record.StorageDir
		}
		el = recorder.NewElement(dir, peerID)
		n.elements[peerID] = el
	}
	return el
}

// render binds every visible stream to its peer's element and unbinds the
// peers that are gone. A fresh binding with video asks the sender for a
// keyframe.
func (n *Node) render(ctx context.Context) {
	streams := n.coord.VisibleStreams()
	for peerID, stream := range streams {
		attachCtx, cancel := context.WithTimeout(ctx, attachTimeout)
		changed, err := n.attacher.Attach(attachCtx, peerID, n.element(peerID), stream)
		cancel()
		if err != nil {
			slog.Debug("attach failed", "peer", peerID, "error", err)
			continue
		}
		if changed && stream.Video() != nil {
			if err := n.coord.RequestKeyframe(peerID); err != nil {
				slog.Debug("keyframe request failed", "peer", peerID, "error", err)
			}
		}
	}
	for _, peerID := range n.attacher.Bound() {
		if _, ok := streams[peerID]; !ok {
			n.attacher.Detach(peerID)
		}
	}
}

func (n *Node) Elements() []*recorder.Element {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*recorder.Element, 0, len(n.elements))
	for _, el := range n.elements {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID() < out[j].PeerID() })
	return out
}

func (n *Node) ToggleVideo(ctx context.Context, enabled bool) error {
	return n.coord.ToggleLocalVideo(ctx, enabled)
}

func (n *Node) ToggleAudio(ctx context.Context, enabled bool) error {
	return n.coord.ToggleLocalAudio(ctx, enabled)
}

func (n *Node) Close() error {
	err := n.coord.Close()
	for _, peerID := range n.attacher.Bound() {
		n.attacher.Detach(peerID)
	}
	return errors.Join(err, n.sig.Close())
}
