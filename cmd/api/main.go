package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/broadcaster"
	"github.com/mindlog/broadcast-service/internal/config"
	"github.com/mindlog/broadcast-service/internal/db"
	"github.com/mindlog/broadcast-service/internal/events"
	apphttp "github.com/mindlog/broadcast-service/internal/http"
	"github.com/mindlog/broadcast-service/internal/http/handlers"
	"github.com/mindlog/broadcast-service/internal/progress"
	"github.com/mindlog/broadcast-service/internal/queue"
	"github.com/mindlog/broadcast-service/internal/ratelimit"
	"github.com/mindlog/broadcast-service/internal/repositories"
	"github.com/mindlog/broadcast-service/internal/segments"
	"github.com/mindlog/broadcast-service/internal/telegram"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	broadcastRepo := repositories.NewBroadcastRepo(pool)
	segmentRepo := repositories.NewSegmentRepo(pool)
	userRepo := repositories.NewUserRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Delivery stack. The API process only enqueues runs; the worker
	// executes them, but both share the same service wiring.
	resolver := segments.NewResolver(userRepo)
	audience := segments.NewBroadcastAudience(segmentRepo, resolver)
	sender := telegram.NewClient(cfg.TelegramAPIURL, cfg.BotToken, cfg.SendTimeout, log)
	limiter := ratelimit.NewSlidingWindow(cfg.RatePerSecond, cfg.RatePeriod)
	progressStore := progress.NewRedisStore(rdb)
	launchQueue := queue.NewRedisQueue(rdb)

	svc := broadcaster.New(broadcastRepo, audience, sender, limiter, progressStore, publisher, launchQueue, broadcaster.Options{
		BotToken:         cfg.BotToken,
		ParseMode:        cfg.ParseMode,
		CancelCheckEvery: cfg.CancelCheckEvery,
		ProgressUpdates:  cfg.ProgressUpdates,
		RunMaxRetries:    cfg.RunMaxRetries,
		BlockedListCap:   cfg.BlockedListCap,
	}, log)

	// Handlers
	broadcastHandler := handlers.NewBroadcastHandler(svc, log)
	segmentHandler := handlers.NewSegmentHandler(segmentRepo, resolver, log)
	wsHub := handlers.NewWSHub(subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, log, rdb, broadcastHandler, segmentHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
