package signalling

import (
	"errors"
	"log/slog"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
)

func (s *Server) setupAdminApi() {
	s.app.Route("/api/admin", func(router fiber.Router) {
		router.Use(func(c *fiber.Ctx) error {
			if !s.auth.IsAdminIP(c.IP()) {
				slog.Warn("admin request from outside admin networks", "ip", c.IP())
				return c.Status(fiber.StatusForbidden).SendString("Forbidden")
			}
			return c.Next()
		})
		router.Use(basicauth.New(basicauth.Config{
			Realm:      "Forbidden",
			Authorizer: s.auth.CheckAdmin,
		}))

		router.Get("/rooms", func(c *fiber.Ctx) error {
			status, err := s.presence.Status()
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
			}
			return c.JSON(status)
		})

		router.Get("/rooms/:room", func(c *fiber.Ctx) error {
			room := c.Params("room")
			status, err := s.presence.Status()
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
			}
			for _, st := range status {
				if st.Room == room {
					return c.JSON(st)
				}
			}
			return c.Status(fiber.StatusNotFound).SendString("Room not found")
		})

		router.Post("/rooms/:room/kick/:peer", func(c *fiber.Ctx) error {
			err := s.Kick(c.Params("room"), c.Params("peer"))
			if errors.Is(err, domain.ErrParticipantNotFound) {
				return c.Status(fiber.StatusNotFound).SendString("Participant not found")
			}
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
			}
			return c.Status(fiber.StatusOK).SendString("Ok")
		})
	})
}
