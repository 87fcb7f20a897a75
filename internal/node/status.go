package node

import (
	"sort"
	"strconv"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/recorder"
	"github.com/gofiber/fiber/v2"
)

type Status struct {
	PeerID    string       `json:"peerId"`
	Username  string       `json:"username"`
	SessionID string       `json:"sessionId"`
	Room      string       `json:"room"`
	Video     bool         `json:"video"`
	Audio     bool         `json:"audio"`
	Peers     []PeerStatus `json:"peers"`
}

type PeerStatus struct {
	PeerID    string `json:"peerId"`
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Video     bool   `json:"video"`
	Audio     bool   `json:"audio"`
	Playing   bool   `json:"playing"`
	Warning   string `json:"warning,omitempty"`
}

func (n *Node) Status() Status {
	bundle := n.source.Bundle()
	st := Status{
		PeerID:    n.self.ID,
		Username:  n.self.Username,
		SessionID: n.self.SessionID,
		Room:      n.cfg.Signal.Room,
		Video:     bundle.VideoEnabled && bundle.Video != nil,
		Audio:     bundle.AudioEnabled && bundle.Audio != nil,
	}

	peers := n.coord.Peers()
	states := n.coord.ConnectionStates()
	tracks := n.coord.TrackStates()
	warnings := n.coord.Warnings()

	ids := make(map[string]struct{})
	for id := range peers {
		ids[id] = struct{}{}
	}
	for id := range states {
		ids[id] = struct{}{}
	}
	for id := range warnings {
		ids[id] = struct{}{}
	}

	n.mu.Lock()
	elements := make(map[string]*recorder.Element, len(n.elements))
	for id, el := range n.elements {
		elements[id] = el
	}
	n.mu.Unlock()

	for id := range ids {
		ps := PeerStatus{
			PeerID:    id,
			Username:  peers[id].Username,
			SessionID: peers[id].SessionID,
			State:     "none",
			Video:     tracks[id].VideoEnabled,
			Audio:     tracks[id].AudioEnabled,
		}
		if s, ok := states[id]; ok {
			ps.State = s.String()
		}
		if el, ok := elements[id]; ok {
			ps.Playing = el.Playing()
		}
		if err := warnings[id]; err != nil {
			ps.Warning = err.Error()
		}
		st.Peers = append(st.Peers, ps)
	}
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].PeerID < st.Peers[j].PeerID })
	return st
}

// SetupRouting mounts the node's local API on app.
//
//   - GET  /status
//   - POST /video/:enabled, /audio/:enabled
//   - GET  /recordings
//   - GET  /metrics
func (n *Node) SetupRouting(app *fiber.App) {
	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(n.Status())
	})

	app.Post("/video/:enabled", func(c *fiber.Ctx) error {
		enabled, err := strconv.ParseBool(c.Params("enabled"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Bad Request")
		}
		if err := n.ToggleVideo(c.UserContext(), enabled); err != nil {
			return c.Status(fiber.StatusBadGateway).SendString(err.Error())
		}
		return c.JSON(n.Status())
	})

	app.Post("/audio/:enabled", func(c *fiber.Ctx) error {
		enabled, err := strconv.ParseBool(c.Params("enabled"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Bad Request")
		}
		if err := n.ToggleAudio(c.UserContext(), enabled); err != nil {
			return c.Status(fiber.StatusBadGateway).SendString(err.Error())
		}
		return c.JSON(n.Status())
	})

	recorder.NewRecorderServer(app, n.Elements).SetupRouting()

	handler := metrics.FastHTTPHandler()
	app.Get("/metrics", func(c *fiber.Ctx) error {
		handler(c.Context())
		return nil
	})
}
