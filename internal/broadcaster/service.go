// Package broadcaster runs broadcast campaigns: it owns the lifecycle
// state machine, the per-recipient delivery loop and the progress
// accounting.
package broadcaster

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/events"
	"github.com/mindlog/broadcast-service/internal/models"
	"github.com/mindlog/broadcast-service/internal/progress"
	"github.com/mindlog/broadcast-service/internal/queue"
	"github.com/mindlog/broadcast-service/internal/telegram"
)

// Options are the executor's tunables. Zero values fall back to the
// documented defaults.
type Options struct {
	BotToken  string
	ParseMode string // dialect for formatting, HTML by default

	CancelCheckEvery int           // recipients between cancellation polls (10)
	ProgressUpdates  int           // target progress-store writes per run (100)
	RunMaxRetries    int           // run-level retries before terminal failed (3)
	RunRetryDelay    time.Duration // pause between run-level retries (60s)
	BlockedListCap   int           // blocked recipients kept for the summary (100)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ParseMode == "" {
		out.ParseMode = telegram.ModeHTML
	}
	if out.CancelCheckEvery <= 0 {
		out.CancelCheckEvery = 10
	}
	if out.ProgressUpdates <= 0 {
		out.ProgressUpdates = 100
	}
	if out.RunMaxRetries < 0 {
		out.RunMaxRetries = 3
	}
	if out.BlockedListCap <= 0 {
		out.BlockedListCap = 100
	}
	return out
}

type Service struct {
	store     Store
	resolver  RecipientResolver
	sender    Sender
	limiter   Limiter
	progress  progress.Store
	publisher events.Publisher
	queue     queue.Queue
	opts      Options
	log       *zap.Logger
}

func New(
	store Store,
	resolver RecipientResolver,
	sender Sender,
	limiter Limiter,
	progressStore progress.Store,
	publisher events.Publisher,
	q queue.Queue,
	opts Options,
	log *zap.Logger,
) *Service {
	return &Service{
		store:     store,
		resolver:  resolver,
		sender:    sender,
		limiter:   limiter,
		progress:  progressStore,
		publisher: publisher,
		queue:     q,
		opts:      opts.withDefaults(),
		log:       log,
	}
}

// Create stores a new draft broadcast.
func (s *Service) Create(ctx context.Context, b *models.Broadcast) error {
	if b.Status == "" {
		b.Status = models.BroadcastStatusDraft
	}
	if b.TargetAudience == "" {
		b.TargetAudience = models.AudienceAll
	}
	return s.store.Create(ctx, b)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Broadcast, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]models.Broadcast, error) {
	return s.store.List(ctx, limit, offset)
}

// Launch accepts a broadcast in draft, scheduled or failed and
// enqueues its run. Any other status is a conflict; an in-flight run
// is never disturbed.
func (s *Service) Launch(ctx context.Context, id uuid.UUID) error {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !b.Launchable() {
		return ErrLaunchConflict
	}
	ok, err := s.store.MarkScheduled(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race with another launch.
		return ErrLaunchConflict
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		return err
	}
	s.log.Info("broadcast launched", zap.String("broadcast_id", id.String()))
	return nil
}

// Cancel flips the durable status to cancelled. A running executor
// observes the flip within its poll interval; for draft/scheduled the
// cancellation is immediately terminal.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !b.Cancellable() {
		return ErrCancelConflict
	}
	ok, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCancelConflict
	}
	s.log.Info("broadcast cancel requested", zap.String("broadcast_id", id.String()))
	return nil
}

// Progress serves the live snapshot, recomputing from the durable
// record when the cache has nothing (expired, or the run never
// started).
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (progress.Snapshot, error) {
	snap, ok, err := s.progress.Get(ctx, id)
	if err == nil && ok {
		return snap, nil
	}
	if err != nil {
		s.log.Warn("progress cache read failed, falling back to durable record",
			zap.String("broadcast_id", id.String()), zap.Error(err))
	}

	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.NewSnapshot(b.SentCount, b.FailedCount, b.TotalRecipients, b.Status), nil
}

// SendSingle delivers one ad-hoc message outside any campaign (welcome
// notes, operator notifications). Same formatting and classification
// path as a run.
func (s *Service) SendSingle(ctx context.Context, chatID int64, body, photoURL string) (telegram.SendResult, error) {
	text, mode := telegram.Prepare(body, s.opts.ParseMode)
	res, err := s.sender.Send(ctx, telegram.SendRequest{
		ChatID:    chatID,
		Text:      text,
		PhotoURL:  photoURL,
		ParseMode: mode,
	})
	if err != nil {
		return res, err
	}
	if !res.OK && res.ParseRejected() {
		return s.sender.Send(ctx, telegram.SendRequest{
			ChatID:   chatID,
			Text:     telegram.StripTags(body),
			PhotoURL: photoURL,
		})
	}
	return res, nil
}
