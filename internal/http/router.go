package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/http/handlers"
	"github.com/mindlog/broadcast-service/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	log *zap.Logger,
	rdb *redis.Client,
	broadcastHandler *handlers.BroadcastHandler,
	segmentHandler *handlers.SegmentHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Broadcasts
	api.Post("/broadcasts", broadcastHandler.CreateBroadcast)
	api.Get("/broadcasts", broadcastHandler.ListBroadcasts)
	api.Get("/broadcasts/:id", broadcastHandler.GetBroadcast)
	api.Post("/broadcasts/:id/launch", broadcastHandler.LaunchBroadcast)
	api.Post("/broadcasts/:id/cancel", broadcastHandler.CancelBroadcast)
	api.Get("/broadcasts/:id/progress", broadcastHandler.GetProgress)
	api.Post("/broadcasts/test-send", broadcastHandler.SendTest)

	// Segments
	api.Post("/segments", segmentHandler.CreateSegment)
	api.Get("/segments", segmentHandler.ListSegments)
	api.Get("/segments/:id", segmentHandler.GetSegment)
	api.Get("/segments/:id/preview", segmentHandler.PreviewSegment)

	// WebSocket progress stream
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
