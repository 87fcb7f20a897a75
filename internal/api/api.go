package api

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls" msgpack:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username" msgpack:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential" msgpack:"credential,omitempty"`
}

type PeerConnectionConfig struct {
	IceServers         []ICEServer `json:"iceServers" yaml:"iceServers" msgpack:"iceServers"`
	IceTransportPolicy string      `json:"iceTransportPolicy,omitempty" yaml:"iceTransportPolicy" msgpack:"iceTransportPolicy,omitempty"`
}

func DefaultPeerConnectionConfig() PeerConnectionConfig {
	return PeerConnectionConfig{
		IceServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
}

func (c PeerConnectionConfig) WebrtcConfiguration() webrtc.Configuration {
	conf := webrtc.Configuration{}
	for _, s := range c.IceServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		conf.ICEServers = append(conf.ICEServers, server)
	}
	if c.IceTransportPolicy == "relay" {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return conf
}

// RoomStatus is the admin view of one room.
type RoomStatus struct {
	Room         string              `json:"room"`
	Participants []ParticipantStatus `json:"participants"`
}

type ParticipantStatus struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	SessionID string     `json:"sessionId"`
	LastSeen  *time.Time `json:"lastSeen"`
	Online    bool       `json:"online"`
}
