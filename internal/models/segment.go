package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SegmentKindSystem  = "system"
	SegmentKindDynamic = "dynamic"
	SegmentKindStatic  = "static"
)

// FilterRules is the declarative predicate tree of a dynamic segment:
// field -> {operator: value}. See internal/segments for the rule
// language.
type FilterRules map[string]map[string]any

type Segment struct {
	ID              uuid.UUID   `json:"id"`
	Slug            string      `json:"slug"`
	Name            string      `json:"name"`
	Kind            string      `json:"kind"`
	FilterRules     FilterRules `json:"filter_rules,omitempty"`
	StaticUserIDs   []uuid.UUID `json:"static_user_ids,omitempty"`
	CachedUserCount int         `json:"cached_user_count"`
	CacheUpdatedAt  *time.Time  `json:"cache_updated_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
