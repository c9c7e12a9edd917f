package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindlog/broadcast-service/internal/models"
	"github.com/mindlog/broadcast-service/internal/segments"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, telegram_id, username, first_name, language_code,
		       subscription_tier, subscription_expires_at, balance_stars,
		       total_entries_count, total_voice_count, status, date_created
		FROM users WHERE telegram_id = $1
	`, telegramID).Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName,
		&u.LanguageCode, &u.SubscriptionTier, &u.SubscriptionExpiresAt,
		&u.BalanceStars, &u.TotalEntriesCount, &u.TotalVoiceCount,
		&u.Status, &u.DateCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveUsers starts a recipient query pre-scoped to active users.
// Field names reaching the builder come from the closed rule whitelist,
// never from request input, so interpolating them is safe.
func (r *UserRepo) ActiveUsers() segments.RecipientQuery {
	return &userQuery{pool: r.pool, where: []string{"status = 'active'"}}
}

type userQuery struct {
	pool  *pgxpool.Pool
	where []string
	args  []any
}

func (q *userQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *userQuery) Equals(field string, value any) {
	q.where = append(q.where, fmt.Sprintf("%s = %s", field, q.arg(value)))
}

func (q *userQuery) In(field string, values []any, withNull, withEmpty bool) {
	var parts []string
	if len(values) > 0 {
		ph := make([]string, len(values))
		for i, v := range values {
			ph[i] = q.arg(v)
		}
		parts = append(parts, fmt.Sprintf("%s IN (%s)", field, strings.Join(ph, ", ")))
	}
	if withNull {
		parts = append(parts, field+" IS NULL")
	}
	if withEmpty {
		parts = append(parts, field+" = ''")
	}
	if len(parts) == 0 {
		// in: [] with no null marker matches nothing.
		q.where = append(q.where, "false")
		return
	}
	q.where = append(q.where, "("+strings.Join(parts, " OR ")+")")
}

func (q *userQuery) Range(field string, op segments.Op, value any) {
	var cmp string
	switch op {
	case segments.OpGte:
		cmp = ">="
	case segments.OpLte:
		cmp = "<="
	case segments.OpGt:
		cmp = ">"
	case segments.OpLt:
		cmp = "<"
	default:
		q.where = append(q.where, "false")
		return
	}
	q.where = append(q.where, fmt.Sprintf("%s %s %s", field, cmp, q.arg(value)))
}

func (q *userQuery) Null(field string, isNull bool) {
	if isNull {
		q.where = append(q.where, field+" IS NULL")
	} else {
		q.where = append(q.where, field+" IS NOT NULL")
	}
}

func (q *userQuery) IDIn(ids []uuid.UUID) {
	q.where = append(q.where, fmt.Sprintf("id = ANY(%s)", q.arg(ids)))
}

func (q *userQuery) TelegramIDs(ctx context.Context) ([]int64, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT telegram_id FROM users
		WHERE `+strings.Join(q.where, " AND ")+`
		ORDER BY date_created, id
	`, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *userQuery) Count(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE `+strings.Join(q.where, " AND "),
		q.args...).Scan(&n)
	return n, err
}
