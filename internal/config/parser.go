package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/pion/webrtc/v4"
)

type RawServerConfig struct {
	Port           *int    `yaml:"port" json:"port"`
	PublicIP       *string `yaml:"publicIp" json:"publicIp"`
	PingInterval   *int    `yaml:"pingInterval" json:"pingInterval"`
	RosterInterval *int    `yaml:"rosterInterval" json:"rosterInterval"`
	StaleAfter     *int    `yaml:"staleAfter" json:"staleAfter"`
	Advertise      *bool   `yaml:"advertise" json:"advertise"`
}

// ApplyTo overwrites the fields of cfg that the file sets, zero values included.
func (r RawServerConfig) ApplyTo(cfg *ServerConfig) {
	setIf(&cfg.Port, r.Port)
	setIf(&cfg.PublicIP, r.PublicIP)
	setIf(&cfg.PingInterval, r.PingInterval)
	setIf(&cfg.RosterInterval, r.RosterInterval)
	setIf(&cfg.StaleAfter, r.StaleAfter)
	setIf(&cfg.Advertise, r.Advertise)
}

type RawSecurityConfig struct {
	AdminCredential   *string   `yaml:"adminCredential" json:"adminCredential"`
	RoomCredential    *string   `yaml:"roomCredential" json:"roomCredential"`
	TLSCrtFile        *string   `yaml:"tlsCrtFile" json:"tlsCrtFile"`
	TLSKeyFile        *string   `yaml:"tlsKeyFile" json:"tlsKeyFile"`
	AdminsRawNetworks *[]string `yaml:"adminsNetworks" json:"adminsNetworks"`
}

func (r RawSecurityConfig) ApplyTo(cfg *SecurityConfig) error {
	if r.AdminsRawNetworks != nil {
		nets := make([]netip.Prefix, 0, len(*r.AdminsRawNetworks))
		for _, s := range *r.AdminsRawNetworks {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("adminsNetworks: %w", err)
			}
			nets = append(nets, p)
		}
		cfg.AdminsRawNetworks = nets
	}
	if r.AdminCredential != nil {
		cfg.AdminCredential = r.AdminCredential
	}
	if r.RoomCredential != nil {
		cfg.RoomCredential = r.RoomCredential
	}
	if r.TLSCrtFile != nil {
		cfg.TLSCrtFile = r.TLSCrtFile
	}
	if r.TLSKeyFile != nil {
		cfg.TLSKeyFile = r.TLSKeyFile
	}
	return nil
}

type RawWebRTCConfig struct {
	PortMin              *uint16                   `yaml:"portMin" json:"portMin"`
	PortMax              *uint16                   `yaml:"portMax" json:"portMax"`
	PublicIP             *string                   `yaml:"publicIp" json:"publicIp"`
	PeerConnectionConfig *api.PeerConnectionConfig `yaml:"peerConnectionConfig" json:"peerConnectionConfig"`
	Codecs               *[]RawCodec               `yaml:"codecs" json:"codecs"`
	IncludeLoopback      *bool                     `yaml:"includeLoopback" json:"includeLoopback"`
	DisableMDNS          *bool                     `yaml:"disableMdns" json:"disableMdns"`
}

type RawCodec struct {
	Params struct {
		MimeType    string `json:"mimeType" yaml:"mimeType"`
		ClockRate   uint32 `json:"clockRate" yaml:"clockRate"`
		PayloadType uint8  `json:"payloadType" yaml:"payloadType"`
		Channels    uint16 `json:"channels" yaml:"channels"`
	} `json:"params" yaml:"params"`
	Type string `json:"type" yaml:"type"`
}

func (r RawWebRTCConfig) ApplyTo(cfg *WebRTCConfig) {
	setIf(&cfg.PortMin, r.PortMin)
	setIf(&cfg.PortMax, r.PortMax)
	setIf(&cfg.PublicIP, r.PublicIP)
	setIf(&cfg.PeerConnectionConfig, r.PeerConnectionConfig)
	if r.Codecs != nil {
		cfg.Codecs = parseCodecs(*r.Codecs)
	}
	setIf(&cfg.IncludeLoopback, r.IncludeLoopback)
	setIf(&cfg.DisableMDNS, r.DisableMDNS)
}

type RawCoordinatorConfig struct {
	DisconnectGrace    *int     `yaml:"disconnectGrace" json:"disconnectGrace"`
	ReopenInitial      *int     `yaml:"reopenInitial" json:"reopenInitial"`
	ReopenMax          *int     `yaml:"reopenMax" json:"reopenMax"`
	ReopenMultiplier   *float64 `yaml:"reopenMultiplier" json:"reopenMultiplier"`
	MaxReopenAttempts  *int     `yaml:"maxReopenAttempts" json:"maxReopenAttempts"`
	NegotiationRetries *int     `yaml:"negotiationRetries" json:"negotiationRetries"`
	SignalingRetry     *int     `yaml:"signalingRetry" json:"signalingRetry"`
	MutedAfter         *int     `yaml:"mutedAfter" json:"mutedAfter"`
	StaleAfter         *int     `yaml:"staleAfter" json:"staleAfter"`
}

func (r RawCoordinatorConfig) ApplyTo(cfg *CoordinatorConfig) error {
	for name, v := range map[string]*int{
		"disconnectGrace":    r.DisconnectGrace,
		"reopenInitial":      r.ReopenInitial,
		"reopenMax":          r.ReopenMax,
		"maxReopenAttempts":  r.MaxReopenAttempts,
		"negotiationRetries": r.NegotiationRetries,
		"signalingRetry":     r.SignalingRetry,
		"mutedAfter":         r.MutedAfter,
		"staleAfter":         r.StaleAfter,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("coordinator.%s must not be negative", name)
		}
	}
	if r.ReopenMultiplier != nil && *r.ReopenMultiplier < 1 {
		return fmt.Errorf("coordinator.reopenMultiplier must be >= 1")
	}

	setIf(&cfg.DisconnectGrace, r.DisconnectGrace)
	setIf(&cfg.ReopenInitial, r.ReopenInitial)
	setIf(&cfg.ReopenMax, r.ReopenMax)
	setIf(&cfg.ReopenMultiplier, r.ReopenMultiplier)
	setIf(&cfg.MaxReopenAttempts, r.MaxReopenAttempts)
	setIf(&cfg.NegotiationRetries, r.NegotiationRetries)
	setIf(&cfg.SignalingRetry, r.SignalingRetry)
	setIf(&cfg.MutedAfter, r.MutedAfter)
	setIf(&cfg.StaleAfter, r.StaleAfter)
	return nil
}

type RawSignalConfig struct {
	Transport       *string `yaml:"transport" json:"transport"`
	URL             *string `yaml:"url" json:"url"`
	Room            *string `yaml:"room" json:"room"`
	Credential      *string `yaml:"credential" json:"credential"`
	PingInterval    *int    `yaml:"pingInterval" json:"pingInterval"`
	MQTTBroker      *string `yaml:"mqttBroker" json:"mqttBroker"`
	MQTTTopicPrefix *string `yaml:"mqttTopicPrefix" json:"mqttTopicPrefix"`
	Discover        *bool   `yaml:"discover" json:"discover"`
	DiscoverTimeout *int    `yaml:"discoverTimeout" json:"discoverTimeout"`
}

func (r RawSignalConfig) ApplyTo(cfg *SignalConfig) error {
	if r.Transport != nil {
		switch t := strings.ToLower(*r.Transport); t {
		case "websocket", "mqtt":
			cfg.Transport = t
		default:
			return fmt.Errorf("signal.transport %q is not supported", *r.Transport)
		}
	}
	setIf(&cfg.URL, r.URL)
	setIf(&cfg.Room, r.Room)
	setIf(&cfg.Credential, r.Credential)
	setIf(&cfg.PingInterval, r.PingInterval)
	setIf(&cfg.MQTTBroker, r.MQTTBroker)
	setIf(&cfg.MQTTTopicPrefix, r.MQTTTopicPrefix)
	setIf(&cfg.Discover, r.Discover)
	setIf(&cfg.DiscoverTimeout, r.DiscoverTimeout)
	return nil
}

type RawRecordConfig struct {
	Enabled    *bool   `yaml:"enabled" json:"enabled"`
	StorageDir *string `yaml:"storageDirectory" json:"storageDirectory"`
}

func (r RawRecordConfig) ApplyTo(cfg *RecordConfig) {
	setIf(&cfg.Enabled, r.Enabled)
	if r.StorageDir != nil {
		cfg.StorageDir = *r.StorageDir
		_ = os.MkdirAll(cfg.StorageDir, os.ModePerm)
	}
}

type RawNodeConfig struct {
	PeerID     *string `yaml:"peerId" json:"peerId"`
	Username   *string `yaml:"username" json:"username"`
	StatusAddr *string `yaml:"statusAddr" json:"statusAddr"`
	VideoFile  *string `yaml:"videoFile" json:"videoFile"`
	AudioFile  *string `yaml:"audioFile" json:"audioFile"`
}

func (r RawNodeConfig) ApplyTo(cfg *NodeConfig) {
	setIf(&cfg.PeerID, r.PeerID)
	setIf(&cfg.Username, r.Username)
	setIf(&cfg.StatusAddr, r.StatusAddr)
	setIf(&cfg.VideoFile, r.VideoFile)
	setIf(&cfg.AudioFile, r.AudioFile)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func parseCodecs(rawCodecs []RawCodec) []Codec {
	result := make([]Codec, 0, len(rawCodecs))

	for _, rawCodec := range rawCodecs {
		capability := webrtc.RTPCodecCapability{
			MimeType:  rawCodec.Params.MimeType,
			ClockRate: rawCodec.Params.ClockRate,
			Channels:  rawCodec.Params.Channels,
		}

		if strings.HasPrefix(strings.ToLower(rawCodec.Params.MimeType), "video/") {
			capability.RTCPFeedback = videoFeedback()
		}

		codecType := webrtc.RTPCodecTypeAudio
		if strings.EqualFold(rawCodec.Type, "video") {
			codecType = webrtc.RTPCodecTypeVideo
		}

		result = append(result, Codec{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: capability,
				PayloadType:        webrtc.PayloadType(rawCodec.Params.PayloadType),
			},
			Type: codecType,
		})
	}

	return result
}
