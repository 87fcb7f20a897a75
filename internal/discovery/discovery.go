// Package discovery finds a signalling relay on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type relays register under.
const ServiceType = "_spellcoven._tcp"

var ErrNoRelay = errors.New("no relay found")

// Advertise announces a relay listening on port. The returned function stops
// the announcement.
func Advertise(instance string, port int, tls bool) (func(), error) {
	txt := []string{"path=/ws/rooms", "tls=" + strconv.FormatBool(tls)}
	server, err := zeroconf.Register(instance, ServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mdns service: %w", err)
	}
	return server.Shutdown, nil
}

// FindRelay browses until the first relay answers or timeout passes and
// returns its base URL.
func FindRelay(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNoRelay
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoRelay
			}
			if url, ok := relayURL(entry); ok {
				return url, nil
			}
		}
	}
}

func relayURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil {
		return "", false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	scheme := "ws"
	for _, txt := range entry.Text {
		if txt == "tls=true" {
			scheme = "wss"
		}
	}
	host := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
	return scheme + "://" + host, true
}
