package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/logging"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/node"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagConfigDir string
	flagRoom      string
	flagPeerID    string
	flagUsername  string
	flagRelay     string
	flagTransport string
	flagDiscover  bool
	flagVideoOff  bool
	flagAudioOff  bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room and keep a link to every participant.

Examples:
  meshnode join --room lobby
  meshnode join --room lobby --relay ws://10.0.0.2:13478 --video-off
  meshnode join --room lobby --discover`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd)
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagConfigDir, "config", "c", "conf", "Directory with the section config files")
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room to join (default from signal config)")
	joinCmd.Flags().StringVar(&flagPeerID, "id", "", "Peer ID (default from node config, else random)")
	joinCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "Display name (default a generated name)")
	joinCmd.Flags().StringVar(&flagRelay, "relay", "", "Relay base URL")
	joinCmd.Flags().StringVar(&flagTransport, "transport", "", "websocket|mqtt")
	joinCmd.Flags().BoolVar(&flagDiscover, "discover", false, "Find the relay on the local network")
	joinCmd.Flags().BoolVar(&flagVideoOff, "video-off", false, "Start with the camera off")
	joinCmd.Flags().BoolVar(&flagAudioOff, "audio-off", false, "Start with the microphone off")
}

func applyFlags(cmd *cobra.Command, cfg *config.AppConfig) {
	if flagRoom != "" {
		cfg.Signal.Room = flagRoom
	}
	if flagRelay != "" {
		cfg.Signal.URL = flagRelay
	}
	if flagTransport != "" {
		cfg.Signal.Transport = flagTransport
	}
	if cmd.Flags().Changed("discover") {
		cfg.Signal.Discover = flagDiscover
	}
	if flagPeerID != "" {
		cfg.Node.PeerID = flagPeerID
	}
	if flagUsername != "" {
		cfg.Node.Username = flagUsername
	}
}

func self(cfg config.AppConfig) domain.Participant {
	id := cfg.Node.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	username := cfg.Node.Username
	if username == "" {
		username = petname.Generate(2, "-")
	}
	return domain.Participant{
		ID:        id,
		Username:  username,
		SessionID: uuid.NewString(),
		Room:      cfg.Signal.Room,
	}
}

func runJoin(cmd *cobra.Command) error {
	logging.Init(flagLogLevel, nil)

	manager, err := config.NewManager(flagConfigDir)
	if err != nil {
		return err
	}
	defer manager.Close()
	cfg := manager.Get()
	applyFlags(cmd, &cfg)

	me := self(cfg)
	slog.Info("joining", "room", cfg.Signal.Room, "peer", me.ID, "username", me.Username, "session", me.SessionID)

	var sourceOpts []media.SourceOption
	if flagVideoOff {
		sourceOpts = append(sourceOpts, media.WithVideoOff())
	}
	if flagAudioOff {
		sourceOpts = append(sourceOpts, media.WithAudioOff())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, me, node.WithSourceOptions(sourceOpts...))
	if err != nil {
		return err
	}
	defer n.Close()

	manager.SetUpdateCallback(n.ApplyConfig)

	if cfg.Node.StatusAddr != "" {
		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		n.SetupRouting(app)
		go func() {
			if err := app.Listen(cfg.Node.StatusAddr); err != nil {
				slog.Error("status server stopped", "error", err)
			}
		}()
		defer app.Shutdown()
		slog.Info("status server listening", "addr", cfg.Node.StatusAddr)
	}

	err = n.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
