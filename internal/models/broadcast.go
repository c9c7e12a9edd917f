package models

import (
	"time"

	"github.com/google/uuid"
)

// Broadcast lifecycle. A broadcast is mutated only by the delivery
// executor once launched; failed is reachable before any send only on
// a precondition failure (missing bot token).
const (
	BroadcastStatusDraft     = "draft"
	BroadcastStatusScheduled = "scheduled"
	BroadcastStatusSending   = "sending"
	BroadcastStatusSent      = "sent"
	BroadcastStatusCancelled = "cancelled"
	BroadcastStatusFailed    = "failed"
)

// Legacy coarse audiences, used when no segment is attached.
const (
	AudienceAll     = "all"
	AudiencePremium = "premium"
	AudienceFree    = "free"
)

type Broadcast struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	MessageText     string     `json:"message_text"`
	MessagePhotoURL *string    `json:"message_photo_url,omitempty"`
	ButtonText      *string    `json:"button_text,omitempty"`
	ButtonURL       *string    `json:"button_url,omitempty"`
	TargetAudience  string     `json:"target_audience"`
	SegmentID       *uuid.UUID `json:"segment_id,omitempty"`
	Status          string     `json:"status"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalRecipients int        `json:"total_recipients"`
	SentCount       int        `json:"sent_count"`
	FailedCount     int        `json:"failed_count"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Launchable reports whether a run may be started from the current
// status. Never true for sending/sent/cancelled; that is the guard
// against duplicate concurrent runs of the same broadcast.
func (b *Broadcast) Launchable() bool {
	switch b.Status {
	case BroadcastStatusDraft, BroadcastStatusScheduled, BroadcastStatusFailed:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is accepted.
func (b *Broadcast) Cancellable() bool {
	switch b.Status {
	case BroadcastStatusDraft, BroadcastStatusScheduled, BroadcastStatusSending:
		return true
	}
	return false
}
