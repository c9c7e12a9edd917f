package broadcaster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mindlog/broadcast-service/internal/models"
	"github.com/mindlog/broadcast-service/internal/telegram"
)

// Store is the durable broadcast record interface. The pgx repo
// implements it in production; tests inject a fake with controllable
// status flips, which is why the cancellation poll goes through
// GetStatus rather than a cached struct.
type Store interface {
	Create(ctx context.Context, b *models.Broadcast) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Broadcast, error)
	List(ctx context.Context, limit, offset int) ([]models.Broadcast, error)

	// GetStatus reads only the current lifecycle status.
	GetStatus(ctx context.Context, id uuid.UUID) (string, error)

	// MarkScheduled moves a launchable broadcast to scheduled. It
	// reports false when the broadcast was not in a launchable status,
	// guarding against duplicate concurrent runs.
	MarkScheduled(ctx context.Context, id uuid.UUID) (bool, error)

	// RequestCancel moves a cancellable broadcast to cancelled. The
	// executor observes the flip cooperatively.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkSending freezes the resolved audience size and stamps the
	// start. False means the status was no longer launchable.
	MarkSending(ctx context.Context, id uuid.UUID, total int, startedAt time.Time) (bool, error)

	// Checkpoint persists in-flight counters at a coarse interval.
	Checkpoint(ctx context.Context, id uuid.UUID, sent, failed int) error

	// Finish writes the terminal status, final counters and
	// completion time in one update.
	Finish(ctx context.Context, id uuid.UUID, status string, sent, failed int, lastError *string, completedAt time.Time) error

	// ListDue returns scheduled broadcasts whose scheduled_at has
	// passed, for the worker's due tick.
	ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// RecipientResolver snapshots a broadcast's audience. Implemented by
// the segments resolver plus a segment lookup; resolution happens
// exactly once per run.
type RecipientResolver interface {
	Recipients(ctx context.Context, b *models.Broadcast) ([]int64, error)
}

// Sender is the outbound messaging call (telegram.Client in
// production).
type Sender interface {
	Send(ctx context.Context, req telegram.SendRequest) (telegram.SendResult, error)
}

// Limiter gates every outbound send. One shared instance across all
// executors of a bot token.
type Limiter interface {
	Acquire(ctx context.Context) error
}
