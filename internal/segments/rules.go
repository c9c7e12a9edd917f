package segments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindlog/broadcast-service/internal/models"
)

// fieldSpec whitelists the recipient fields a rule may reference.
// Interpretation stays typed and explicit: an unknown field or
// operator is rejected up front rather than silently ignored.
type fieldSpec struct {
	temporal bool // values may be relative expressions like "-7 days"
	tier     bool // NULL-in-list also matches the legacy empty string
}

var ruleFields = map[string]fieldSpec{
	"subscription_tier":       {tier: true},
	"language_code":           {},
	"date_created":            {temporal: true},
	"subscription_expires_at": {temporal: true},
	"total_entries_count":     {},
	"total_voice_count":       {},
	"balance_stars":           {},
}

// applyRules interprets a segment's predicate tree onto q. Relative
// temporal values resolve against time.Now at call time, so the same
// rule is evaluated fresh on every run.
func applyRules(q RecipientQuery, rules models.FilterRules) error {
	now := time.Now()
	for field, conditions := range rules {
		spec, ok := ruleFields[field]
		if !ok {
			return fmt.Errorf("unknown filter field %q", field)
		}
		for opTag, value := range conditions {
			op := Op(opTag)
			switch op {
			case OpEq:
				q.Equals(field, value)
			case OpIn:
				values, withNull, err := splitInValues(value)
				if err != nil {
					return fmt.Errorf("field %q: %w", field, err)
				}
				q.In(field, values, withNull, withNull && spec.tier)
			case OpGte, OpLte, OpGt, OpLt:
				v := value
				if spec.temporal {
					if dt, ok := relativeValue(value, now); ok {
						v = dt
					}
				}
				q.Range(field, op, v)
			case OpIsNull:
				q.Null(field, value == true)
			default:
				return fmt.Errorf("field %q: unknown operator %q", field, opTag)
			}
		}
	}
	return nil
}

// ValidateRules checks a predicate tree without touching any store.
// Used at segment creation so malformed rules are rejected up front
// instead of failing a launch later.
func ValidateRules(rules models.FilterRules) error {
	return applyRules(discardQuery{}, rules)
}

type discardQuery struct{}

func (discardQuery) Equals(string, any)                           {}
func (discardQuery) In(string, []any, bool, bool)                 {}
func (discardQuery) Range(string, Op, any)                        {}
func (discardQuery) Null(string, bool)                            {}
func (discardQuery) IDIn([]uuid.UUID)                             {}
func (discardQuery) TelegramIDs(context.Context) ([]int64, error) { return nil, nil }
func (discardQuery) Count(context.Context) (int, error)           { return 0, nil }

// splitInValues separates the null marker (a JSON null or the string
// "null") from the concrete membership list.
func splitInValues(value any) ([]any, bool, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, false, fmt.Errorf("in operator requires a list, got %T", value)
	}
	var out []any
	withNull := false
	for _, v := range list {
		if v == nil || v == "null" {
			withNull = true
			continue
		}
		out = append(out, v)
	}
	return out, withNull, nil
}

// relativeValue resolves "-<N> <unit>" against now. Units: day, week,
// month (a month is 30 days). Anything else is passed through as-is.
func relativeValue(value any, now time.Time) (time.Time, bool) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "-") {
		return time.Time{}, false
	}
	parts := strings.Fields(strings.TrimPrefix(s, "-"))
	if len(parts) != 2 {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}
	switch strings.TrimSuffix(parts[1], "s") {
	case "day":
		return now.AddDate(0, 0, -n), true
	case "week":
		return now.AddDate(0, 0, -7*n), true
	case "month":
		return now.AddDate(0, 0, -30*n), true
	}
	return time.Time{}, false
}
