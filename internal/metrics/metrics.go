package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	// relay

	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spellcoven_relay_active_websocket_connections",
		Help: "Number of active relay WebSocket connections",
	})

	WebSocketConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spellcoven_relay_websocket_connections_total",
		Help: "Total number of relay WebSocket connections",
	})

	SessionTakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spellcoven_relay_session_takeovers_total",
		Help: "Joins that replaced an existing session of the same participant",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spellcoven_relay_room_participants",
		Help: "Participants currently registered per room",
	}, []string{"room"})

	StaleParticipantsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spellcoven_relay_stale_participants_removed_total",
		Help: "Participants dropped after missing heartbeats",
	})

	SignallingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_signalling_messages_total",
		Help: "Signalling messages by type and direction",
	}, []string{"type", "direction"}) // direction: "in" | "out" | "relayed" | "dropped"

	// node

	ActivePeerLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spellcoven_active_peer_links",
		Help: "Number of peer links that are not closed",
	})

	PeerLinksOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_peer_links_opened_total",
		Help: "Peer links opened by role",
	}, []string{"role"}) // "offerer" | "answerer"

	PeerLinkStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_peer_link_state_changes_total",
		Help: "Peer link state transitions by target state",
	}, []string{"state"})

	InvalidTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spellcoven_peer_link_invalid_transitions_total",
		Help: "Native state changes rejected by the link state machine",
	})

	PeerLinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_peer_link_failures_total",
		Help: "Peer link failures by reason",
	}, []string{"reason"})

	ReopenAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spellcoven_peer_link_reopen_attempts_total",
		Help: "Reopen attempts after a failed link",
	})

	RenegotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_renegotiations_total",
		Help: "Local track renegotiations by result",
	}, []string{"result"}) // "ok" | "error" | "deferred" | "closed"

	RenegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spellcoven_renegotiation_duration_seconds",
		Help:    "Time to renegotiate one link",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	RemoteTracksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_remote_tracks_total",
		Help: "Remote tracks received by kind",
	}, []string{"kind"})

	StreamAttachmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_stream_attachments_total",
		Help: "Attach calls by outcome",
	}, []string{"outcome"}) // "attached" | "unchanged" | "resumed" | "detached" | "error"

	RTPPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spellcoven_rtp_packets_received_total",
		Help: "RTP packets read from remote tracks",
	})

	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spellcoven_config_reloads_total",
		Help: "Config reload attempts by result",
	}, []string{"result"})
)

// FastHTTPHandler exposes the default registry to fasthttp based servers.
func FastHTTPHandler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}
