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

type SegmentRepo struct {
	pool *pgxpool.Pool
}

func NewSegmentRepo(pool *pgxpool.Pool) *SegmentRepo {
	return &SegmentRepo{pool: pool}
}

const segmentColumns = `
	id, slug, name, kind, filter_rules, static_user_ids,
	cached_user_count, cache_updated_at, created_at, updated_at
`

func scanSegment(row pgx.Row, s *models.Segment) error {
	return row.Scan(&s.ID, &s.Slug, &s.Name, &s.Kind, &s.FilterRules,
		&s.StaticUserIDs, &s.CachedUserCount, &s.CacheUpdatedAt,
		&s.CreatedAt, &s.UpdatedAt)
}

func (r *SegmentRepo) Create(ctx context.Context, s *models.Segment) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO segments (slug, name, kind, filter_rules, static_user_ids)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, s.Slug, s.Name, s.Kind, s.FilterRules, s.StaticUserIDs,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *SegmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	var s models.Segment
	err := scanSegment(r.pool.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SegmentRepo) GetBySlug(ctx context.Context, slug string) (*models.Segment, error) {
	var s models.Segment
	err := scanSegment(r.pool.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE slug = $1`, slug), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SegmentRepo) List(ctx context.Context) ([]models.Segment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+segmentColumns+` FROM segments ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []models.Segment
	for rows.Next() {
		var s models.Segment
		if err := scanSegment(rows, &s); err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, rows.Err()
}

// UpdateCachedCount stores the advisory recipient count computed by the
// worker's recount tick.
func (r *SegmentRepo) UpdateCachedCount(ctx context.Context, id uuid.UUID, count int, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE segments SET cached_user_count = $2, cache_updated_at = $3, updated_at = now()
		WHERE id = $1
	`, id, count, at)
	return err
}
