package handler

import (
	"clinic-queue/internal/config"
	"clinic-queue/internal/http/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SetupRoutes mounts the queue API. Every /api and /ws route requires a principal.
func SetupRoutes(app *fiber.App, h *QueueHandler, jwtSecret string) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Clinic queue API running",
		})
	})

	auth := middleware.JWTAuth(jwtSecret)
	anyStaff := middleware.RoleAuth(config.RoleReception, config.RoleDoctor, config.RoleAdmin, config.RoleDisplay)
	operators := middleware.RoleAuth(config.RoleReception, config.RoleDoctor, config.RoleAdmin)

	api := app.Group("/api", auth)

	// Reception desk
	api.Post("/queue/admit", middleware.RoleAuth(config.RoleReception, config.RoleAdmin), h.Admit)

	// Reception + doctor console
	api.Post("/queue/entries/:id/transition", operators, h.Transition)
	api.Post("/queue/call-next", middleware.RoleAuth(config.RoleDoctor, config.RoleAdmin), h.CallNext)

	// Read side, displays included
	api.Get("/queue", anyStaff, h.ListQueue)
	api.Get("/queue/active", anyStaff, h.ActiveQueue)
	api.Get("/queue/counts", anyStaff, h.Counts)
	api.Get("/queue/next", anyStaff, h.NextEligible)
	api.Get("/queue/sequence", anyStaff, h.Sequence)
	api.Get("/queue/status", anyStaff, h.Status)
	api.Get("/queue/entries/:id", anyStaff, h.GetEntry)

	app.Get("/ws/queue", middleware.JWTAuthWebSocket(jwtSecret), anyStaff, h.WebSocketUpgrade, websocket.New(h.QueueWebSocket))
}
