package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/events"
	"github.com/mindlog/broadcast-service/internal/models"
	"github.com/mindlog/broadcast-service/internal/progress"
	"github.com/mindlog/broadcast-service/internal/telegram"
)

// Run executes one broadcast end to end. Per-recipient failures never
// abort the run; an unexpected error escaping the loop is retried a
// bounded number of times and then exhausted into a terminal failed
// status with a final progress write, so no run ever stops silently.
func (s *Service) Run(ctx context.Context, id uuid.UUID) error {
	var (
		lastErr      error
		sent, failed int
		held         bool
	)
	for attempt := 0; attempt <= s.opts.RunMaxRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("retrying broadcast run",
				zap.String("broadcast_id", id.String()),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			if s.opts.RunRetryDelay > 0 {
				if err := sleepCtx(ctx, s.opts.RunRetryDelay); err != nil {
					return err
				}
			}
		}

		var err error
		sent, failed, err = s.runOnce(ctx, id, &held)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Shutdown, not a run failure: leave the record as-is so a
			// restart can observe and recover it.
			return err
		}
		lastErr = err
	}

	msg := lastErr.Error()
	now := time.Now().UTC()
	if err := s.store.Finish(ctx, id, models.BroadcastStatusFailed, sent, failed, &msg, now); err != nil {
		s.log.Error("failed to persist terminal failure",
			zap.String("broadcast_id", id.String()), zap.Error(err))
	}
	total := sent + failed
	if b, berr := s.store.GetByID(ctx, id); berr == nil && b.TotalRecipients > total {
		total = b.TotalRecipients
	}
	s.writeProgress(ctx, id, sent, failed, total, models.BroadcastStatusFailed)
	s.log.Error("broadcast run exhausted retries",
		zap.String("broadcast_id", id.String()), zap.Error(lastErr))
	return lastErr
}

// runOnce executes one attempt. held records whether a previous
// attempt of this same run already moved the broadcast to sending, so
// a retry resumes it instead of mistaking it for another process's
// run and silently stranding the record in sending.
func (s *Service) runOnce(ctx context.Context, id uuid.UUID, held *bool) (sent, failed int, err error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return 0, 0, fmt.Errorf("load broadcast: %w", err)
	}

	// Precondition: without a credential the run fails before any
	// message is sent, terminally.
	if s.opts.BotToken == "" {
		msg := "bot token is not configured"
		now := time.Now().UTC()
		if err := s.store.Finish(ctx, id, models.BroadcastStatusFailed, 0, 0, &msg, now); err != nil {
			return 0, 0, err
		}
		s.writeProgress(ctx, id, 0, 0, 0, models.BroadcastStatusFailed)
		s.log.Error("broadcast failed: no bot token", zap.String("broadcast_id", id.String()))
		return 0, 0, nil
	}

	// Audience is resolved exactly once; the total is frozen for the
	// whole run.
	recipients, err := s.resolver.Recipients(ctx, b)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve recipients: %w", err)
	}
	total := len(recipients)

	if total == 0 {
		now := time.Now().UTC()
		if err := s.store.Finish(ctx, id, models.BroadcastStatusSent, 0, 0, nil, now); err != nil {
			return 0, 0, err
		}
		s.writeProgress(ctx, id, 0, 0, 0, models.BroadcastStatusSent)
		s.log.Info("broadcast completed with empty audience", zap.String("broadcast_id", id.String()))
		return 0, 0, nil
	}

	startedAt := time.Now().UTC()
	if *held {
		// Resuming after a failed attempt. The status is already
		// sending and this process owns it; restart the counters.
		if cerr := s.store.Checkpoint(ctx, id, 0, 0); cerr != nil {
			return 0, 0, fmt.Errorf("reset counters: %w", cerr)
		}
	} else {
		ok, merr := s.store.MarkSending(ctx, id, total, startedAt)
		if merr != nil {
			return 0, 0, fmt.Errorf("mark sending: %w", merr)
		}
		if !ok {
			s.log.Warn("broadcast no longer launchable, skipping run",
				zap.String("broadcast_id", id.String()))
			return 0, 0, nil
		}
		*held = true
	}

	s.writeProgress(ctx, id, 0, 0, total, models.BroadcastStatusSending)
	s.log.Info("broadcast started",
		zap.String("broadcast_id", id.String()),
		zap.String("title", b.Title),
		zap.Int("total", total))

	// The payload is prepared once per run; the stripped fallback is
	// kept ready in case the API rejects the formatted markup.
	text, mode := telegram.Prepare(b.MessageText, s.opts.ParseMode)
	plain := telegram.StripTags(b.MessageText)
	usePlain := false

	progressEvery := total / s.opts.ProgressUpdates
	if progressEvery < 1 {
		progressEvery = 1
	}
	checkpointEvery := total/10 + 1

	var (
		lastErrMsg *string
		blocked    []int64
		cancelled  bool
	)

	for idx, chatID := range recipients {
		if idx%s.opts.CancelCheckEvery == 0 {
			st, serr := s.store.GetStatus(ctx, id)
			if serr == nil && st == models.BroadcastStatusCancelled {
				cancelled = true
				break
			}
		}

		if lerr := s.limiter.Acquire(ctx); lerr != nil {
			return sent, failed, lerr
		}

		res, serr := s.deliver(ctx, b, chatID, text, mode, plain, &usePlain)
		switch {
		case serr != nil:
			// Transport timeout or network failure: recorded, the run
			// continues.
			failed++
			msg := serr.Error()
			lastErrMsg = &msg
		case res.OK:
			sent++
		default:
			failed++
			msg := res.Description
			lastErrMsg = &msg
			if res.Blocked() && len(blocked) < s.opts.BlockedListCap {
				blocked = append(blocked, chatID)
			}
			if res.RetryAfter > 0 {
				// Server-requested wait, on top of the local limiter.
				if werr := sleepCtx(ctx, res.RetryAfter); werr != nil {
					return sent, failed, werr
				}
			}
		}

		if idx%progressEvery == 0 || idx == total-1 {
			s.writeProgress(ctx, id, sent, failed, total, models.BroadcastStatusSending)
			if idx%checkpointEvery == 0 {
				if cerr := s.store.Checkpoint(ctx, id, sent, failed); cerr != nil {
					s.log.Warn("checkpoint failed",
						zap.String("broadcast_id", id.String()), zap.Error(cerr))
				}
			}
		}
	}

	final := models.BroadcastStatusSent
	if cancelled {
		final = models.BroadcastStatusCancelled
		msg := "stopped by operator"
		lastErrMsg = &msg
	}

	now := time.Now().UTC()
	if err := s.store.Finish(ctx, id, final, sent, failed, lastErrMsg, now); err != nil {
		return sent, failed, fmt.Errorf("finish: %w", err)
	}
	// The cache snapshot must match the durable record exactly at
	// terminal states.
	s.writeProgress(ctx, id, sent, failed, total, final)

	fields := []zap.Field{
		zap.String("broadcast_id", id.String()),
		zap.String("status", final),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Int("total", total),
		zap.Duration("took", time.Since(startedAt)),
	}
	if len(blocked) > 0 {
		fields = append(fields, zap.Int("blocked", len(blocked)), zap.Int64s("blocked_ids", blocked))
	}
	if failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
	return sent, failed, nil
}

// deliver sends to one recipient, retrying once as plain text when the
// API rejects the markup. The downgrade is sticky for the rest of the
// run: one rejection means every later payload would be rejected too.
func (s *Service) deliver(ctx context.Context, b *models.Broadcast, chatID int64, text, mode, plain string, usePlain *bool) (telegram.SendResult, error) {
	req := telegram.SendRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: mode,
	}
	if *usePlain {
		req.Text = plain
		req.ParseMode = ""
	}
	if b.MessagePhotoURL != nil {
		req.PhotoURL = *b.MessagePhotoURL
	}
	if b.ButtonText != nil && b.ButtonURL != nil {
		req.Button = &telegram.Button{Text: *b.ButtonText, URL: *b.ButtonURL}
	}

	res, err := s.sender.Send(ctx, req)
	if err != nil || res.OK {
		return res, err
	}
	if !*usePlain && res.ParseRejected() {
		s.log.Warn("markup rejected, downgrading run to plain text",
			zap.String("broadcast_id", b.ID.String()),
			zap.String("description", res.Description))
		*usePlain = true
		req.Text = plain
		req.ParseMode = ""
		return s.sender.Send(ctx, req)
	}
	return res, nil
}

func (s *Service) writeProgress(ctx context.Context, id uuid.UUID, sent, failed, total int, status string) {
	snap := progress.NewSnapshot(sent, failed, total, status)
	if err := s.progress.Set(ctx, id, snap); err != nil {
		s.log.Warn("progress write failed",
			zap.String("broadcast_id", id.String()), zap.Error(err))
	}
	if s.publisher == nil {
		return
	}
	evType := events.EventBroadcastProgress
	if status != models.BroadcastStatusSending {
		evType = events.EventBroadcastFinished
	}
	err := s.publisher.Publish(ctx, events.StreamBroadcast, events.Event{
		Type: evType,
		Payload: map[string]any{
			"broadcast_id": id.String(),
			"sent":         snap.Sent,
			"failed":       snap.Failed,
			"total":        snap.Total,
			"percent":      snap.Percent,
			"status":       snap.Status,
			"updated_at":   snap.UpdatedAt,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("progress event publish failed",
			zap.String("broadcast_id", id.String()), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
