// Package gateway wires C3-C7 into the fiber HTTP/WS server that is the
// client-facing half of the platform.
package gateway

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketfabric.io/core/internal/clientmanager"
	"marketfabric.io/core/internal/taskrouter"
)

type Server struct {
	app     *fiber.App
	clients *clientmanager.Manager
	router  *taskrouter.Router
	log     zerolog.Logger
}

func NewServer(clients *clientmanager.Manager, router *taskrouter.Router, log zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	s := &Server{app: app, clients: clients, router: router, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "clients": s.clients.Count()})
	})

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Use("/ws/market", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws/market", websocket.New(func(conn *websocket.Conn) {
		clientID := conn.Query("clientId")
		if clientID == "" {
			clientID = conn.RemoteAddr().String()
		}
		s.clients.Accept(clientID, conn)
	}))
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
