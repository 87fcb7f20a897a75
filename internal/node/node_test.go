package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer/peertest"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/signal"
	"github.com/gofiber/fiber/v2"
)

func testConfig() config.AppConfig {
	cfg := config.DefaultAppConfig()
	cfg.Signal.Room = "table"
	cfg.Coordinator.DisconnectGrace = 300
	cfg.Coordinator.ReopenInitial = 20
	cfg.Coordinator.ReopenMax = 100
	cfg.Coordinator.MutedAfter = 200
	return cfg
}

func startNode(t *testing.T, hub *signal.Hub, network *peertest.Network, id string, opts ...media.SourceOption) *Node {
	t.Helper()
	self := domain.Participant{ID: id, Username: id, SessionID: id + "-1"}
	ch, err := hub.Join("table", self)
	if err != nil {
		t.Fatal(err)
	}
	n, err := New(context.Background(), testConfig(), self,
		WithChannel(ch),
		WithFactory(network.Factory(id)),
		WithSourceOptions(opts...),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("%s: Run: %v", id, err)
		}
		_ = n.Close()
	})
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func peerStatus(n *Node, id string) (PeerStatus, bool) {
	for _, p := range n.Status().Peers {
		if p.PeerID == id {
			return p, true
		}
	}
	return PeerStatus{}, false
}

func TestNodesPlayEachOther(t *testing.T) {
	hub, network := signal.NewHub(), peertest.NewNetwork()
	alice := startNode(t, hub, network, "alice")
	bob := startNode(t, hub, network, "bob", media.WithVideoOff())

	waitFor(t, "alice plays bob", func() bool {
		p, ok := peerStatus(alice, "bob")
		return ok && p.State == "connected" && p.Playing && p.Audio && !p.Video
	})
	waitFor(t, "bob plays alice", func() bool {
		p, ok := peerStatus(bob, "alice")
		return ok && p.Playing && p.Video
	})
	if plis := network.Latest("bob", "alice").PLIs(); plis == 0 {
		t.Error("attaching alice's video did not request a keyframe")
	}

	st := bob.Status()
	if st.Video || !st.Audio || st.Room != "table" {
		t.Fatalf("bob's own status %+v", st)
	}

	if err := bob.ToggleVideo(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice sees bob's camera", func() bool {
		p, _ := peerStatus(alice, "bob")
		return p.Video
	})
	el := alice.element("bob")
	waitFor(t, "bob's video mounted at alice", func() bool {
		src := el.Source()
		return src != nil && src.Video() != nil && el.Playing()
	})

	if err := bob.ToggleVideo(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob's video unmounted at alice", func() bool {
		p, _ := peerStatus(alice, "bob")
		src := el.Source()
		return !p.Video && p.Audio && src != nil && src.Video() == nil && el.Playing()
	})
}

func TestApplyConfigUpdatesPolicy(t *testing.T) {
	hub, network := signal.NewHub(), peertest.NewNetwork()
	n := startNode(t, hub, network, "alice")

	cfg := testConfig()
	cfg.Coordinator.DisconnectGrace = 1234
	n.ApplyConfig(&cfg)
	if got := n.Coordinator().Policy().DisconnectGrace; got != 1234*time.Millisecond {
		t.Fatalf("DisconnectGrace = %v", got)
	}
}

func TestStatusRoutes(t *testing.T) {
	hub, network := signal.NewHub(), peertest.NewNetwork()
	alice := startNode(t, hub, network, "alice")
	startNode(t, hub, network, "bob")
	waitFor(t, "connected", func() bool {
		p, ok := peerStatus(alice, "bob")
		return ok && p.State == "connected"
	})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	alice.SetupRouting(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/status", nil))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if st.PeerID != "alice" || len(st.Peers) != 1 || st.Peers[0].PeerID != "bob" {
		t.Fatalf("status %+v", st)
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/audio/false", nil), 5000)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("toggle audio: %d", resp.StatusCode)
	}
	if alice.Status().Audio {
		t.Fatal("audio still on")
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/video/maybe", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("bad toggle: %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/recordings", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("recordings: %d", resp.StatusCode)
	}
}

func TestDialChannelRejectsUnknownTransport(t *testing.T) {
	cfg := testConfig().Signal
	cfg.Transport = "carrier-pigeon"
	if _, err := DialChannel(context.Background(), cfg, domain.Participant{ID: "a"}); err == nil {
		t.Fatal("unknown transport accepted")
	}
}
