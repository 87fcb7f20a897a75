package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/logging"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/turnrelay"
)

func main() {
	publicIP := flag.String("public-ip", "", "IPv4 Address that TURN can be contacted by.")
	publicIPv6 := flag.String("public-ipv6", "", "IPv6 Address that TURN can be contacted by.")
	port := flag.Int("port", 3478, "Listening port.")
	users := flag.String("users", "", "List of username and password (e.g. \"user=pass,user=pass\")")
	realm := flag.String("realm", "spellcoven", "Realm")
	udpPortFrom := flag.Int("udp-port-from", 40000, "First relay port")
	udpPortTo := flag.Int("udp-port-to", 40199, "Last relay port")
	logLevel := flag.String("log-level", "", "debug|info|warn|error")
	flag.Parse()

	logging.Init(*logLevel, nil)

	s, err := turnrelay.Start(turnrelay.Config{
		PublicIP:     *publicIP,
		PublicIPv6:   *publicIPv6,
		Port:         *port,
		Realm:        *realm,
		Users:        turnrelay.ParseUsers(*users),
		RelayPortMin: uint16(*udpPortFrom),
		RelayPortMax: uint16(*udpPortTo),
	})
	if err != nil {
		slog.Error("failed to start turn server", "error", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	if err := s.Close(); err != nil {
		slog.Error("failed to close turn server", "error", err)
		os.Exit(1)
	}
}
