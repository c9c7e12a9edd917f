// Package segments resolves a broadcast's targeting spec into the
// concrete, ordered list of recipient telegram ids.
//
// Dynamic segments carry a declarative predicate tree
// (field -> {operator: value}) that is interpreted here against an
// abstract recipient-query capability rather than reflected onto
// column names at runtime. Resolution is a pure read; the resulting
// list is snapshotted once per run start.
package segments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mindlog/broadcast-service/internal/models"
)

// Op is an operator tag of the rule language. The set is closed;
// anything else is a validation error.
type Op string

const (
	OpEq     Op = "eq"
	OpIn     Op = "in"
	OpGte    Op = "gte"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpLt     Op = "lt"
	OpIsNull Op = "is_null"
)

// Targeting is what a broadcast resolves recipients from. A segment
// reference takes priority over the legacy audience enum.
type Targeting struct {
	Segment  *models.Segment
	Audience string
}

// RecipientQuery accumulates predicates over the active-recipient set.
// Implementations must apply them conjunctively and return ids in a
// stable order (date_created, then id) so resolution is deterministic
// for a fixed store snapshot.
type RecipientQuery interface {
	Equals(field string, value any)
	// In matches membership in values; withNull additionally matches
	// NULL and withEmpty the empty string (legacy tier quirk).
	In(field string, values []any, withNull, withEmpty bool)
	Range(field string, op Op, value any)
	Null(field string, isNull bool)
	IDIn(ids []uuid.UUID)

	TelegramIDs(ctx context.Context) ([]int64, error)
	Count(ctx context.Context) (int, error)
}

// RecipientSource hands out queries pre-scoped to active recipients.
// Inactive/blocked users are excluded regardless of targeting mode.
type RecipientSource interface {
	ActiveUsers() RecipientQuery
}

type Resolver struct {
	source RecipientSource
}

func NewResolver(source RecipientSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the ordered recipient telegram ids for t.
func (r *Resolver) Resolve(ctx context.Context, t Targeting) ([]int64, error) {
	q, err := r.build(t)
	if err != nil {
		return nil, err
	}
	return q.TelegramIDs(ctx)
}

// Count returns the number of recipients t currently matches. Used by
// the segment count recompute job; advisory only, never consulted for
// a live send.
func (r *Resolver) Count(ctx context.Context, t Targeting) (int, error) {
	q, err := r.build(t)
	if err != nil {
		return 0, err
	}
	return q.Count(ctx)
}

func (r *Resolver) build(t Targeting) (RecipientQuery, error) {
	q := r.source.ActiveUsers()

	if s := t.Segment; s != nil {
		switch {
		case len(s.FilterRules) > 0:
			if err := applyRules(q, s.FilterRules); err != nil {
				return nil, fmt.Errorf("segment %s: %w", s.Slug, err)
			}
		case len(s.StaticUserIDs) > 0:
			q.IDIn(s.StaticUserIDs)
		default:
			// System segments without rules resolve by slug the same
			// way the legacy audiences do.
			applyAudience(q, s.Slug)
		}
		return q, nil
	}

	applyAudience(q, t.Audience)
	return q, nil
}

func applyAudience(q RecipientQuery, audience string) {
	switch audience {
	case models.AudiencePremium:
		q.In("subscription_tier", []any{models.TierPremium, models.TierBasic}, false, false)
	case models.AudienceFree:
		q.In("subscription_tier", []any{models.TierFree}, true, true)
	default:
		// all: no extra predicate
	}
}
