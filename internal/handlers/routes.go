package handlers

import (
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelusa-v/pelusa-inbox/internal/hub"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
)

// NewApp wires the REST API under /api, the event socket at /api/ws,
// uploads under /files, prometheus metrics at /metrics and a status page
// at /.
func NewApp(m *hub.Manager, gatherer prometheus.Gatherer, l *slog.Logger) *fiber.App {
	l = logger.Or(l).With("component", "devserver.http")
	app := fiber.New(fiber.Config{
		AppName:               "pelusa-inbox devserver",
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
		BodyLimit:             20 * 1024 * 1024,
		Views:                 newViews(),
	})
	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		l.Debug("request", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode(), "took", time.Since(start), "error", err)
		return err
	})

	h := &Handlers{Hub: m}

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	app.Get("/", h.StatusHandler)
	app.Get("/files/:id", h.FileHandler)

	api := app.Group("/api", h.Auth)
	api.Get("/ws", h.UpgradeHandler, websocket.New(h.SocketHandler))
	api.Get("/users", h.UsersHandler)

	api.Get("/conversations", h.ConversationsHandler)
	api.Post("/conversations/start", h.StartConversationHandler)
	api.Get("/conversations/:id", h.ConversationHandler)
	api.Get("/conversations/:id/messages", h.MessagesHandler)
	api.Patch("/conversations/:id/read", h.MarkConversationReadHandler)

	api.Post("/messages", h.SendMessageHandler)
	api.Patch("/messages/:id/read", h.MarkMessageReadHandler)
	api.Patch("/messages/:id", h.EditMessageHandler)

	return app
}
