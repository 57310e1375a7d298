package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/support-relay/internal/chat"
	"github.com/pelusa-v/support-relay/internal/config"
)

// Handler contains shared dependencies for the relay's HTTP and websocket
// handlers.
type Handler struct {
	mgr *chat.ChatManager
	cfg *config.Config
	log zerolog.Logger
}

func NewHandler(mgr *chat.ChatManager, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{mgr: mgr, cfg: cfg, log: log}
}

// UpgradeRequired rejects plain HTTP requests on the websocket route.
func (h *Handler) UpgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RegisterHandler GET /api/ws
func (h *Handler) RegisterHandler(c *websocket.Conn) {
	client := chat.NewClient(uuid.NewString(), c, h.cfg.SendBuffer, h.log)
	if !h.mgr.Register(client) {
		return
	}

	// The socket is released when this handler returns, so wait for the
	// write pump before leaving.
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.WritePump(h.cfg.PingInterval)
	}()
	client.ReadPump(h.mgr, h.cfg.PingTimeout)
	h.mgr.Unregister(client)
	<-done
}

// UsersHandler GET /api/users
func (h *Handler) UsersHandler(c *fiber.Ctx) error {
	users, err := h.mgr.Online(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(users)
}

// HealthHandler GET /health
func (h *Handler) HealthHandler(c *fiber.Ctx) error {
	stats, err := h.mgr.Stats(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok", "stats": stats})
}
