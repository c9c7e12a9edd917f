package segments

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mindlog/broadcast-service/internal/models"
)

// memSource is an in-memory recipient store implementing the same
// query capabilities as the pgx-backed repo.
type memSource struct {
	users []models.User
}

func (s *memSource) ActiveUsers() RecipientQuery {
	q := &memQuery{users: s.users}
	q.preds = append(q.preds, func(u models.User) bool {
		return u.Status == models.UserStatusActive
	})
	return q
}

type memQuery struct {
	users []models.User
	preds []func(models.User) bool
}

func (q *memQuery) Equals(field string, value any) {
	q.preds = append(q.preds, func(u models.User) bool {
		v, null := fieldValue(u, field)
		return !null && looseEq(v, value)
	})
}

func (q *memQuery) In(field string, values []any, withNull, withEmpty bool) {
	q.preds = append(q.preds, func(u models.User) bool {
		v, null := fieldValue(u, field)
		if null {
			return withNull
		}
		if withEmpty && v == "" {
			return true
		}
		for _, want := range values {
			if looseEq(v, want) {
				return true
			}
		}
		return false
	})
}

func (q *memQuery) Range(field string, op Op, value any) {
	q.preds = append(q.preds, func(u models.User) bool {
		v, null := fieldValue(u, field)
		if null {
			return false
		}
		c, ok := compare(v, value)
		if !ok {
			return false
		}
		switch op {
		case OpGte:
			return c >= 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		case OpLt:
			return c < 0
		}
		return false
	})
}

func (q *memQuery) Null(field string, isNull bool) {
	q.preds = append(q.preds, func(u models.User) bool {
		_, null := fieldValue(u, field)
		return null == isNull
	})
}

func (q *memQuery) IDIn(ids []uuid.UUID) {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	q.preds = append(q.preds, func(u models.User) bool { return set[u.ID] })
}

func (q *memQuery) matches() []models.User {
	var out []models.User
	for _, u := range q.users {
		ok := true
		for _, p := range q.preds {
			if !p(u) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateCreated.Equal(out[j].DateCreated) {
			return out[i].DateCreated.Before(out[j].DateCreated)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (q *memQuery) TelegramIDs(context.Context) ([]int64, error) {
	var ids []int64
	for _, u := range q.matches() {
		ids = append(ids, u.TelegramID)
	}
	return ids, nil
}

func (q *memQuery) Count(context.Context) (int, error) {
	return len(q.matches()), nil
}

func fieldValue(u models.User, field string) (any, bool) {
	switch field {
	case "subscription_tier":
		if u.SubscriptionTier == nil {
			return nil, true
		}
		return *u.SubscriptionTier, false
	case "language_code":
		if u.LanguageCode == nil {
			return nil, true
		}
		return *u.LanguageCode, false
	case "date_created":
		return u.DateCreated, false
	case "subscription_expires_at":
		if u.SubscriptionExpiresAt == nil {
			return nil, true
		}
		return *u.SubscriptionExpiresAt, false
	case "total_entries_count":
		return u.TotalEntriesCount, false
	case "total_voice_count":
		return u.TotalVoiceCount, false
	case "balance_stars":
		return u.BalanceStars, false
	}
	return nil, true
}

func looseEq(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok2 := toFloat(b)
		return ok2 && af == bf
	}
	return a == b
}

func compare(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok2 := b.(time.Time)
		if !ok2 {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	}
	af, ok := toFloat(a)
	bf, ok2 := toFloat(b)
	if !ok || !ok2 {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func strPtr(s string) *string { return &s }

func testUsers() []models.User {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []models.User{
		{ID: uuid.New(), TelegramID: 100, SubscriptionTier: strPtr("premium"), Status: "active", TotalEntriesCount: 12, DateCreated: base},
		{ID: uuid.New(), TelegramID: 101, SubscriptionTier: strPtr("basic"), Status: "active", TotalEntriesCount: 3, DateCreated: base.Add(time.Hour)},
		{ID: uuid.New(), TelegramID: 102, SubscriptionTier: strPtr("free"), Status: "active", DateCreated: base.Add(2 * time.Hour)},
		{ID: uuid.New(), TelegramID: 103, SubscriptionTier: nil, Status: "active", DateCreated: base.Add(3 * time.Hour)},
		{ID: uuid.New(), TelegramID: 104, SubscriptionTier: strPtr(""), Status: "active", DateCreated: base.Add(4 * time.Hour)},
		{ID: uuid.New(), TelegramID: 105, SubscriptionTier: strPtr("premium"), Status: "blocked", DateCreated: base.Add(5 * time.Hour)},
	}
}

func resolveIDs(t *testing.T, users []models.User, tg Targeting) []int64 {
	t.Helper()
	r := NewResolver(&memSource{users: users})
	ids, err := r.Resolve(context.Background(), tg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return ids
}

func TestResolve_InWithNullMatchesNullAndEmptyTier(t *testing.T) {
	seg := &models.Segment{
		Slug: "premium-or-untagged",
		Kind: models.SegmentKindDynamic,
		FilterRules: models.FilterRules{
			"subscription_tier": {"in": []any{"premium", nil}},
		},
	}
	ids := resolveIDs(t, testUsers(), Targeting{Segment: seg})

	want := []int64{100, 103, 104} // premium, NULL tier, legacy empty tier
	if !equalIDs(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestResolve_RelativeDateIsEvaluatedAtResolveTime(t *testing.T) {
	now := time.Now()
	users := []models.User{
		{ID: uuid.New(), TelegramID: 200, Status: "active", DateCreated: now.AddDate(0, 0, -3)},
		{ID: uuid.New(), TelegramID: 201, Status: "active", DateCreated: now.AddDate(0, 0, -10)},
	}
	seg := &models.Segment{
		Slug: "recent",
		FilterRules: models.FilterRules{
			"date_created": {"gte": "-7 days"},
		},
	}
	ids := resolveIDs(t, users, Targeting{Segment: seg})
	if !equalIDs(ids, []int64{200}) {
		t.Fatalf("got %v, want [200]", ids)
	}

	// The cutoff moves with the clock: the same expression resolved
	// eight days apart yields a different boundary.
	c1, ok1 := relativeValue("-7 days", now)
	c2, ok2 := relativeValue("-7 days", now.AddDate(0, 0, 8))
	if !ok1 || !ok2 {
		t.Fatal("relative expression not recognized")
	}
	if !c2.After(c1) {
		t.Fatalf("cutoff did not advance: %v vs %v", c1, c2)
	}
}

func TestResolve_UnknownOperatorRejected(t *testing.T) {
	seg := &models.Segment{
		Slug: "bad",
		FilterRules: models.FilterRules{
			"subscription_tier": {"matches": "prem*"},
		},
	}
	r := NewResolver(&memSource{users: testUsers()})
	if _, err := r.Resolve(context.Background(), Targeting{Segment: seg}); err == nil {
		t.Fatal("expected validation error for unknown operator")
	}
}

func TestResolve_UnknownFieldRejected(t *testing.T) {
	seg := &models.Segment{
		Slug:        "bad",
		FilterRules: models.FilterRules{"favourite_colour": {"eq": "red"}},
	}
	r := NewResolver(&memSource{users: testUsers()})
	if _, err := r.Resolve(context.Background(), Targeting{Segment: seg}); err == nil {
		t.Fatal("expected validation error for unknown field")
	}
}

func TestResolve_StaticSegmentExcludesBlocked(t *testing.T) {
	users := testUsers()
	seg := &models.Segment{
		Slug:          "handpicked",
		Kind:          models.SegmentKindStatic,
		StaticUserIDs: []uuid.UUID{users[0].ID, users[5].ID}, // 105 is blocked
	}
	ids := resolveIDs(t, users, Targeting{Segment: seg})
	if !equalIDs(ids, []int64{100}) {
		t.Fatalf("got %v, want [100]", ids)
	}
}

func TestResolve_LegacyAudiences(t *testing.T) {
	users := testUsers()

	tests := []struct {
		audience string
		want     []int64
	}{
		{models.AudiencePremium, []int64{100, 101}},
		{models.AudienceFree, []int64{102, 103, 104}},
		{models.AudienceAll, []int64{100, 101, 102, 103, 104}},
	}
	for _, tt := range tests {
		t.Run(tt.audience, func(t *testing.T) {
			ids := resolveIDs(t, users, Targeting{Audience: tt.audience})
			if !equalIDs(ids, tt.want) {
				t.Errorf("audience %s: got %v, want %v", tt.audience, ids, tt.want)
			}
		})
	}
}

func TestResolve_SegmentTakesPriorityOverAudience(t *testing.T) {
	users := testUsers()
	seg := &models.Segment{
		Slug:          "one",
		Kind:          models.SegmentKindStatic,
		StaticUserIDs: []uuid.UUID{users[2].ID},
	}
	ids := resolveIDs(t, users, Targeting{Segment: seg, Audience: models.AudiencePremium})
	if !equalIDs(ids, []int64{102}) {
		t.Fatalf("segment should win over audience, got %v", ids)
	}
}

func TestResolve_NumericRangeRule(t *testing.T) {
	seg := &models.Segment{
		Slug:        "engaged",
		FilterRules: models.FilterRules{"total_entries_count": {"gte": float64(5)}},
	}
	ids := resolveIDs(t, testUsers(), Targeting{Segment: seg})
	if !equalIDs(ids, []int64{100}) {
		t.Fatalf("got %v, want [100]", ids)
	}
}

func TestCount_MatchesResolve(t *testing.T) {
	r := NewResolver(&memSource{users: testUsers()})
	tg := Targeting{Audience: models.AudienceFree}

	ids, err := r.Resolve(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Count(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(ids) {
		t.Fatalf("count %d != resolved %d", n, len(ids))
	}
}

func equalIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
