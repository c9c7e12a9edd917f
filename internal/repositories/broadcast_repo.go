package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindlog/broadcast-service/internal/models"
)

type BroadcastRepo struct {
	pool *pgxpool.Pool
}

func NewBroadcastRepo(pool *pgxpool.Pool) *BroadcastRepo {
	return &BroadcastRepo{pool: pool}
}

const broadcastColumns = `
	id, title, message_text, message_photo_url, button_text, button_url,
	target_audience, segment_id, status, scheduled_at, started_at, completed_at,
	total_recipients, sent_count, failed_count, last_error, created_at, updated_at
`

func scanBroadcast(row pgx.Row, b *models.Broadcast) error {
	return row.Scan(&b.ID, &b.Title, &b.MessageText, &b.MessagePhotoURL,
		&b.ButtonText, &b.ButtonURL, &b.TargetAudience, &b.SegmentID,
		&b.Status, &b.ScheduledAt, &b.StartedAt, &b.CompletedAt,
		&b.TotalRecipients, &b.SentCount, &b.FailedCount, &b.LastError,
		&b.CreatedAt, &b.UpdatedAt)
}

func (r *BroadcastRepo) Create(ctx context.Context, b *models.Broadcast) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO broadcasts (title, message_text, message_photo_url, button_text, button_url,
		                        target_audience, segment_id, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, b.Title, b.MessageText, b.MessagePhotoURL, b.ButtonText, b.ButtonURL,
		b.TargetAudience, b.SegmentID, b.Status, b.ScheduledAt,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

func (r *BroadcastRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Broadcast, error) {
	var b models.Broadcast
	err := scanBroadcast(r.pool.QueryRow(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BroadcastRepo) List(ctx context.Context, limit, offset int) ([]models.Broadcast, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcasts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var broadcasts []models.Broadcast
	for rows.Next() {
		var b models.Broadcast
		if err := scanBroadcast(rows, &b); err != nil {
			return nil, err
		}
		broadcasts = append(broadcasts, b)
	}
	return broadcasts, rows.Err()
}

func (r *BroadcastRepo) GetStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM broadcasts WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrNotFound
	}
	return status, err
}

// Status transitions are guarded in SQL so two processes racing on the
// same broadcast cannot both win; the caller checks the reported bool.

func (r *BroadcastRepo) MarkScheduled(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE broadcasts SET status = 'scheduled', updated_at = now()
		WHERE id = $1 AND status IN ('draft', 'scheduled', 'failed')
	`, id)
	return tag.RowsAffected() > 0, err
}

func (r *BroadcastRepo) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE broadcasts SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('draft', 'scheduled', 'sending')
	`, id)
	return tag.RowsAffected() > 0, err
}

func (r *BroadcastRepo) MarkSending(ctx context.Context, id uuid.UUID, total int, startedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE broadcasts
		SET status = 'sending', total_recipients = $2, started_at = $3,
		    sent_count = 0, failed_count = 0, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('draft', 'scheduled', 'failed')
	`, id, total, startedAt)
	return tag.RowsAffected() > 0, err
}

func (r *BroadcastRepo) Checkpoint(ctx context.Context, id uuid.UUID, sent, failed int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE broadcasts SET sent_count = $2, failed_count = $3, updated_at = now()
		WHERE id = $1
	`, id, sent, failed)
	return err
}

func (r *BroadcastRepo) Finish(ctx context.Context, id uuid.UUID, status string, sent, failed int, lastError *string, completedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE broadcasts
		SET status = $2, sent_count = $3, failed_count = $4,
		    last_error = $5, completed_at = $6, updated_at = now()
		WHERE id = $1
	`, id, status, sent, failed, lastError, completedAt)
	return err
}

func (r *BroadcastRepo) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM broadcasts
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
