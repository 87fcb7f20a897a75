// Package turnrelay runs a TURN server for peers that cannot reach each other
// directly.
package turnrelay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"

	"github.com/pion/turn/v2"
)

var ErrNoUsers = errors.New("turn: at least one user is required")

type Config struct {
	// PublicIP is the address clients reach the relay on.
	PublicIP   string
	PublicIPv6 string
	// ListenIP defaults to every interface.
	ListenIP     string
	Port         int
	Realm        string
	Users        map[string]string
	RelayPortMin uint16
	RelayPortMax uint16
}

var userPair = regexp.MustCompile(`(\w+)=(\w+)`)

// ParseUsers reads "user=pass,user=pass".
func ParseUsers(s string) map[string]string {
	users := make(map[string]string)
	for _, kv := range userPair.FindAllStringSubmatch(s, -1) {
		users[kv[1]] = kv[2]
	}
	return users
}

type Server struct {
	server *turn.Server
	addr   net.Addr
}

func Start(cfg Config) (*Server, error) {
	if len(cfg.Users) == 0 {
		return nil, ErrNoUsers
	}
	if cfg.PublicIP == "" {
		return nil, errors.New("turn: public ip is required")
	}
	if cfg.Realm == "" {
		cfg.Realm = "spellcoven"
	}
	if cfg.RelayPortMin == 0 || cfg.RelayPortMax == 0 {
		cfg.RelayPortMin, cfg.RelayPortMax = 40000, 40199
	}
	listenIP := cfg.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}

	// keys are stored instead of passwords
	keys := make(map[string][]byte, len(cfg.Users))
	for user, pass := range cfg.Users {
		keys[user] = turn.GenerateAuthKey(user, cfg.Realm, pass)
	}

	udpListener, err := net.ListenPacket("udp4", net.JoinHostPort(listenIP, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server IPv4 listener: %w", err)
	}
	packetConnConfigs := []turn.PacketConnConfig{
		{
			PacketConn: udpListener,
			RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
				RelayAddress: net.ParseIP(cfg.PublicIP),
				Address:      listenIP,
				MinPort:      cfg.RelayPortMin,
				MaxPort:      cfg.RelayPortMax,
			},
		},
	}

	if cfg.PublicIPv6 != "" {
		udpListenerIPv6, err := net.ListenPacket("udp6", "[::]:"+strconv.Itoa(cfg.Port))
		if err != nil {
			slog.Warn("failed to create TURN server IPv6 listener, continuing with IPv4 only", "error", err)
		} else {
			packetConnConfigs = append(packetConnConfigs, turn.PacketConnConfig{
				PacketConn: udpListenerIPv6,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: net.ParseIP(cfg.PublicIPv6),
					Address:      "::",
					MinPort:      cfg.RelayPortMin,
					MaxPort:      cfg.RelayPortMax,
				},
			})
		}
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				slog.Debug("turn auth rejected", "user", username, "addr", srcAddr)
			}
			return key, ok
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		for _, c := range packetConnConfigs {
			_ = c.PacketConn.Close()
		}
		return nil, err
	}
	slog.Info("turn server started", "addr", udpListener.LocalAddr(), "realm", cfg.Realm, "users", len(keys))
	return &Server{server: server, addr: udpListener.LocalAddr()}, nil
}

// Addr is the IPv4 listening address.
func (s *Server) Addr() net.Addr { return s.addr }

func (s *Server) Close() error { return s.server.Close() }
