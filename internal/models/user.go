package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	UserStatusActive  = "active"
	UserStatusBlocked = "blocked"
)

// Subscription tiers. A NULL or empty tier means free. The empty
// string is a legacy marker that predates the tier column being
// nullable, and free-tier targeting must match both.
const (
	TierPremium = "premium"
	TierBasic   = "basic"
	TierFree    = "free"
)

type User struct {
	ID                    uuid.UUID  `json:"id"`
	TelegramID            int64      `json:"telegram_id"`
	Username              *string    `json:"username,omitempty"`
	FirstName             *string    `json:"first_name,omitempty"`
	LanguageCode          *string    `json:"language_code,omitempty"`
	SubscriptionTier      *string    `json:"subscription_tier,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	BalanceStars          int        `json:"balance_stars"`
	TotalEntriesCount     int        `json:"total_entries_count"`
	TotalVoiceCount       int        `json:"total_voice_count"`
	Status                string     `json:"status"`
	DateCreated           time.Time  `json:"date_created"`
}
