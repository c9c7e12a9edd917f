package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/broadcaster"
	"github.com/mindlog/broadcast-service/internal/config"
	"github.com/mindlog/broadcast-service/internal/db"
	"github.com/mindlog/broadcast-service/internal/events"
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

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	broadcastRepo := repositories.NewBroadcastRepo(pool)
	segmentRepo := repositories.NewSegmentRepo(pool)
	userRepo := repositories.NewUserRepo(pool)

	// Delivery stack. One limiter shared by every consumer goroutine:
	// the 25/sec cap is per bot token, not per broadcast.
	resolver := segments.NewResolver(userRepo)
	audience := segments.NewBroadcastAudience(segmentRepo, resolver)
	sender := telegram.NewClient(cfg.TelegramAPIURL, cfg.BotToken, cfg.SendTimeout, log)
	limiter := ratelimit.NewSlidingWindow(cfg.RatePerSecond, cfg.RatePeriod)
	progressStore := progress.NewRedisStore(rdb)
	publisher := events.NewRedisPublisher(rdb, log)
	launchQueue := queue.NewRedisQueue(rdb)

	svc := broadcaster.New(broadcastRepo, audience, sender, limiter, progressStore, publisher, launchQueue, broadcaster.Options{
		BotToken:         cfg.BotToken,
		ParseMode:        cfg.ParseMode,
		CancelCheckEvery: cfg.CancelCheckEvery,
		ProgressUpdates:  cfg.ProgressUpdates,
		RunMaxRetries:    cfg.RunMaxRetries,
		BlockedListCap:   cfg.BlockedListCap,
	}, log)

	log.Info("worker started", zap.Int("concurrency", cfg.WorkerConcurrency))

	var wg sync.WaitGroup

	// Queue consumers
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			consumeLaunches(ctx, launchQueue, svc, log.With(zap.Int("consumer", n)))
		}(i)
	}

	// Periodic jobs
	wg.Add(1)
	go func() {
		defer wg.Done()
		runTickers(ctx, cfg, broadcastRepo, segmentRepo, launchQueue, resolver, log)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down worker")
		cancel()
	case <-ctx.Done():
	}
	wg.Wait()
}

func consumeLaunches(ctx context.Context, q queue.Queue, svc *broadcaster.Service, log *zap.Logger) {
	for {
		id, ok, err := q.Dequeue(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		log.Info("picked up broadcast", zap.String("broadcast_id", id.String()))
		if err := svc.Run(ctx, id); err != nil {
			log.Error("broadcast run failed", zap.String("broadcast_id", id.String()), zap.Error(err))
		}
	}
}

func runTickers(
	ctx context.Context,
	cfg *config.Config,
	broadcastRepo *repositories.BroadcastRepo,
	segmentRepo *repositories.SegmentRepo,
	launchQueue queue.Queue,
	resolver *segments.Resolver,
	log *zap.Logger,
) {
	scheduleTicker := time.NewTicker(cfg.SchedulerInterval)
	recountTicker := time.NewTicker(cfg.SegmentRecountInterval)
	defer scheduleTicker.Stop()
	defer recountTicker.Stop()

	for {
		select {
		case <-scheduleTicker.C:
			enqueueDueBroadcasts(ctx, broadcastRepo, launchQueue, log)
		case <-recountTicker.C:
			recountSegments(ctx, segmentRepo, resolver, log)
		case <-ctx.Done():
			return
		}
	}
}

func enqueueDueBroadcasts(ctx context.Context, repo *repositories.BroadcastRepo, q queue.Queue, log *zap.Logger) {
	ids, err := repo.ListDue(ctx, time.Now().UTC())
	if err != nil {
		log.Error("failed to list due broadcasts", zap.Error(err))
		return
	}

	for _, id := range ids {
		log.Info("enqueueing due broadcast", zap.String("broadcast_id", id.String()))
		if err := q.Enqueue(ctx, id); err != nil {
			log.Error("failed to enqueue broadcast", zap.String("broadcast_id", id.String()), zap.Error(err))
		}
	}
}

func recountSegments(ctx context.Context, repo *repositories.SegmentRepo, resolver *segments.Resolver, log *zap.Logger) {
	segs, err := repo.List(ctx)
	if err != nil {
		log.Error("failed to list segments for recount", zap.Error(err))
		return
	}

	for i := range segs {
		s := &segs[i]
		count, err := resolver.Count(ctx, segments.Targeting{Segment: s})
		if err != nil {
			log.Warn("segment recount failed", zap.String("slug", s.Slug), zap.Error(err))
			continue
		}
		if err := repo.UpdateCachedCount(ctx, s.ID, count, time.Now().UTC()); err != nil {
			log.Error("failed to store segment count", zap.String("slug", s.Slug), zap.Error(err))
		}
	}
}
