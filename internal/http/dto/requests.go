package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/mindlog/broadcast-service/internal/models"
)

type CreateBroadcastRequest struct {
	Title           string     `json:"title"`
	MessageText     string     `json:"message_text"`
	MessagePhotoURL *string    `json:"message_photo_url"`
	ButtonText      *string    `json:"button_text"`
	ButtonURL       *string    `json:"button_url"`
	TargetAudience  string     `json:"target_audience"`
	SegmentID       *uuid.UUID `json:"segment_id"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
}

type CreateSegmentRequest struct {
	Slug          string             `json:"slug"`
	Name          string             `json:"name"`
	Kind          string             `json:"kind"`
	FilterRules   models.FilterRules `json:"filter_rules"`
	StaticUserIDs []uuid.UUID        `json:"static_user_ids"`
}

type SendTestRequest struct {
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
	PhotoURL string `json:"photo_url"`
}
