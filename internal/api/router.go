package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/support-relay/internal/api/middleware"
	"github.com/pelusa-v/support-relay/internal/chat"
	"github.com/pelusa-v/support-relay/internal/config"
	"github.com/pelusa-v/support-relay/internal/handlers"
)

// NewRouter creates the relay's fiber app.
func NewRouter(cfg *config.Config, mgr *chat.ChatManager, logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "support-relay",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.Logger(logger))

	// Browsers connect from the storefront origin only.
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.ClientURL,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowCredentials: cfg.ClientURL != "*",
	}))

	h := handlers.NewHandler(mgr, cfg, logger)

	app.Get("/health", h.HealthHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Get("/users", h.UsersHandler)
	api.Use("/ws", h.UpgradeRequired)
	api.Get("/ws", websocket.New(h.RegisterHandler, websocket.Config{
		Origins: []string{cfg.ClientURL},
	}))

	return app
}
