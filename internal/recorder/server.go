package recorder

import (
	"sort"

	"github.com/gofiber/fiber/v2"
)

// Server exposes the elements' recordings on a fiber app.
type Server struct {
	elements func() []*Element
	app      *fiber.App
}

func NewRecorderServer(app *fiber.App, elements func() []*Element) *Server {
	return &Server{app: app, elements: elements}
}

type recordingInfo struct {
	PeerID  string   `json:"peerId"`
	Stream  string   `json:"stream,omitempty"`
	Playing bool     `json:"playing"`
	Files   []string `json:"files"`
}

func (r *Server) SetupRouting() {
	r.app.Get("/recordings", func(ctx *fiber.Ctx) error {
		var out []recordingInfo
		for _, el := range r.elements() {
			info := recordingInfo{PeerID: el.PeerID(), Playing: el.Playing(), Files: el.Files()}
			if src := el.Source(); src != nil {
				info.Stream = src.ID()
			}
			out = append(out, info)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
		return ctx.JSON(out)
	})
}
