package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/discovery"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/logging"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/repository/memory"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/service"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/signalling"
	"github.com/gofiber/fiber/v2"
)

func main() {
	configDir := flag.String("config", "conf", "Directory with the section config files")
	logLevel := flag.String("log-level", "", "debug|info|warn|error")
	flag.Parse()

	logging.Init(*logLevel, nil)

	manager, err := config.NewManager(*configDir)
	if err != nil {
		slog.Error("failed to load config", "dir", *configDir, "error", err)
		os.Exit(1)
	}
	defer manager.Close()
	cfg := manager.Get()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1024 * 1024,
	})

	presence := service.NewPresenceService(memory.NewParticipantRepository(), config.Millis(cfg.Server.StaleAfter))
	server := signalling.NewServer(&cfg, app, presence)
	defer server.Close()
	manager.SetUpdateCallback(server.UpdateConfig)

	server.SetupWebSocketsAndApi()

	tls := cfg.Security.TLSCrtFile != nil && cfg.Security.TLSKeyFile != nil
	if cfg.Server.Advertise {
		host, _ := os.Hostname()
		stop, err := discovery.Advertise("spellcoven-relay-"+host, cfg.Server.Port, tls)
		if err != nil {
			slog.Warn("failed to advertise relay", "error", err)
		} else {
			defer stop()
		}
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		_ = app.Shutdown()
	}()

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	slog.Info("relay listening", "addr", addr, "tls", tls)
	if tls {
		err = app.ListenTLS(addr, *cfg.Security.TLSCrtFile, *cfg.Security.TLSKeyFile)
	} else {
		err = app.Listen(addr)
	}
	if err != nil {
		slog.Error("relay stopped", "error", err)
	}
}
