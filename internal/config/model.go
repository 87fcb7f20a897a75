package config

import (
	"net/netip"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/pion/webrtc/v4"
)

type AppConfig struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Security    SecurityConfig    `json:"security" yaml:"security"`
	WebRTC      WebRTCConfig      `json:"webrtc" yaml:"webrtc"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Signal      SignalConfig      `json:"signal" yaml:"signal"`
	Record      RecordConfig      `json:"record" yaml:"record"`
	Node        NodeConfig        `json:"node" yaml:"node"`
}

// ServerConfig configures the signalling relay. Intervals are milliseconds.
type ServerConfig struct {
	Port           int    `json:"port" yaml:"port"`
	PublicIP       string `json:"publicIp" yaml:"publicIp"`
	PingInterval   int    `json:"pingInterval" yaml:"pingInterval"`
	RosterInterval int    `json:"rosterInterval" yaml:"rosterInterval"`
	StaleAfter     int    `json:"staleAfter" yaml:"staleAfter"`
	Advertise      bool   `json:"advertise" yaml:"advertise"`
}

type SecurityConfig struct {
	AdminCredential   *string        `json:"adminCredential" yaml:"adminCredential"`
	RoomCredential    *string        `json:"roomCredential" yaml:"roomCredential"`
	TLSCrtFile        *string        `json:"tlsCrtFile" yaml:"tlsCrtFile"`
	TLSKeyFile        *string        `json:"tlsKeyFile" yaml:"tlsKeyFile"`
	AdminsRawNetworks []netip.Prefix `json:"adminsNetworks" yaml:"adminsNetworks"`
}

type WebRTCConfig struct {
	PortMin              uint16                   `json:"portMin" yaml:"portMin"`
	PortMax              uint16                   `json:"portMax" yaml:"portMax"`
	PublicIP             string                   `json:"publicIp" yaml:"publicIp"`
	PeerConnectionConfig api.PeerConnectionConfig `json:"peerConnectionConfig" yaml:"peerConnectionConfig"`
	Codecs               []Codec                  `json:"codecs" yaml:"codecs"`
	IncludeLoopback      bool                     `json:"includeLoopback" yaml:"includeLoopback"`
	DisableMDNS          bool                     `json:"disableMdns" yaml:"disableMdns"`
}

// CoordinatorConfig holds reconnection policy. Durations are milliseconds.
type CoordinatorConfig struct {
	DisconnectGrace    int     `json:"disconnectGrace" yaml:"disconnectGrace"`
	ReopenInitial      int     `json:"reopenInitial" yaml:"reopenInitial"`
	ReopenMax          int     `json:"reopenMax" yaml:"reopenMax"`
	ReopenMultiplier   float64 `json:"reopenMultiplier" yaml:"reopenMultiplier"`
	MaxReopenAttempts  int     `json:"maxReopenAttempts" yaml:"maxReopenAttempts"`
	NegotiationRetries int     `json:"negotiationRetries" yaml:"negotiationRetries"`
	SignalingRetry     int     `json:"signalingRetry" yaml:"signalingRetry"`
	MutedAfter         int     `json:"mutedAfter" yaml:"mutedAfter"`
	StaleAfter         int     `json:"staleAfter" yaml:"staleAfter"`
}

type SignalConfig struct {
	Transport       string `json:"transport" yaml:"transport"` // "websocket" | "mqtt"
	URL             string `json:"url" yaml:"url"`
	Room            string `json:"room" yaml:"room"`
	Credential      string `json:"credential" yaml:"credential"`
	PingInterval    int    `json:"pingInterval" yaml:"pingInterval"`
	MQTTBroker      string `json:"mqttBroker" yaml:"mqttBroker"`
	MQTTTopicPrefix string `json:"mqttTopicPrefix" yaml:"mqttTopicPrefix"`
	Discover        bool   `json:"discover" yaml:"discover"`
	DiscoverTimeout int    `json:"discoverTimeout" yaml:"discoverTimeout"`
}

type RecordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	StorageDir string `json:"storageDirectory" yaml:"storageDirectory"`
}

type NodeConfig struct {
	PeerID     string `json:"peerId" yaml:"peerId"`
	Username   string `json:"username" yaml:"username"`
	StatusAddr string `json:"statusAddr" yaml:"statusAddr"`
	VideoFile  string `json:"videoFile" yaml:"videoFile"`
	AudioFile  string `json:"audioFile" yaml:"audioFile"`
}

type Codec struct {
	Params webrtc.RTPCodecParameters `json:"params"`
	Type   webrtc.RTPCodecType       `json:"type"`
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Port:           13478,
			PingInterval:   5000,
			RosterInterval: 5000,
			StaleAfter:     15000,
		},
		Security: SecurityConfig{
			AdminsRawNetworks: []netip.Prefix{
				netip.MustParsePrefix("0.0.0.0/0"),
			},
		},
		WebRTC: WebRTCConfig{
			PeerConnectionConfig: api.DefaultPeerConnectionConfig(),
			Codecs:               DefaultCodecs(),
		},
		Coordinator: CoordinatorConfig{
			DisconnectGrace:    5000,
			ReopenInitial:      1000,
			ReopenMax:          30000,
			ReopenMultiplier:   2,
			MaxReopenAttempts:  5,
			NegotiationRetries: 2,
			SignalingRetry:     1000,
			MutedAfter:         3000,
			StaleAfter:         15000,
		},
		Signal: SignalConfig{
			Transport:       "websocket",
			URL:             "ws://127.0.0.1:13478",
			Room:            "lobby",
			PingInterval:    5000,
			MQTTTopicPrefix: "spellcoven",
			DiscoverTimeout: 3000,
		},
		Record: RecordConfig{
			StorageDir: "./records",
		},
		Node: NodeConfig{
			StatusAddr: "127.0.0.1:7070",
		},
	}
}

func DefaultCodecs() []Codec {
	return []Codec{
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP8,
					ClockRate:    90000,
					RTCPFeedback: videoFeedback(),
				},
				PayloadType: 96,
			},
			Type: webrtc.RTPCodecTypeVideo,
		},
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:  webrtc.MimeTypeOpus,
					ClockRate: 48000,
					Channels:  2,
				},
				PayloadType: 111,
			},
			Type: webrtc.RTPCodecTypeAudio,
		},
	}
}

func videoFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
}
