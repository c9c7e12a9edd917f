package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/broadcaster"
	"github.com/mindlog/broadcast-service/internal/http/dto"
	"github.com/mindlog/broadcast-service/internal/models"
)

type BroadcastHandler struct {
	svc *broadcaster.Service
	log *zap.Logger
}

func NewBroadcastHandler(svc *broadcaster.Service, log *zap.Logger) *BroadcastHandler {
	return &BroadcastHandler{svc: svc, log: log}
}

func (h *BroadcastHandler) CreateBroadcast(c *fiber.Ctx) error {
	var req dto.CreateBroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	if req.Title == "" || req.MessageText == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "title and message_text are required"})
	}
	if (req.ButtonText == nil) != (req.ButtonURL == nil) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "button_text and button_url must be set together"})
	}
	switch req.TargetAudience {
	case "", models.AudienceAll, models.AudiencePremium, models.AudienceFree:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "unknown target_audience"})
	}

	b := &models.Broadcast{
		Title:           req.Title,
		MessageText:     req.MessageText,
		MessagePhotoURL: req.MessagePhotoURL,
		ButtonText:      req.ButtonText,
		ButtonURL:       req.ButtonURL,
		TargetAudience:  req.TargetAudience,
		SegmentID:       req.SegmentID,
		ScheduledAt:     req.ScheduledAt,
	}
	if err := h.svc.Create(c.Context(), b); err != nil {
		h.log.Error("create broadcast failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: b})
}

func (h *BroadcastHandler) ListBroadcasts(c *fiber.Ctx) error {
	limit, offset := 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	broadcasts, err := h.svc.List(c.Context(), limit, offset)
	if err != nil {
		h.log.Error("list broadcasts failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: broadcasts})
}

func (h *BroadcastHandler) GetBroadcast(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid broadcast id"})
	}

	b, err := h.svc.GetByID(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "broadcast not found"})
	}
	if err != nil {
		h.log.Error("get broadcast failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: b})
}

func (h *BroadcastHandler) LaunchBroadcast(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid broadcast id"})
	}

	err = h.svc.Launch(c.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "broadcast not found"})
	case errors.Is(err, broadcaster.ErrLaunchConflict):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case err != nil:
		h.log.Error("launch broadcast failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true})
}

func (h *BroadcastHandler) CancelBroadcast(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid broadcast id"})
	}

	err = h.svc.Cancel(c.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "broadcast not found"})
	case errors.Is(err, broadcaster.ErrCancelConflict):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case err != nil:
		h.log.Error("cancel broadcast failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *BroadcastHandler) GetProgress(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid broadcast id"})
	}

	snap, err := h.svc.Progress(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "broadcast not found"})
	}
	if err != nil {
		h.log.Error("get progress failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: snap})
}

// SendTest delivers one ad-hoc message so an operator can preview the
// formatting before launching a campaign.
func (h *BroadcastHandler) SendTest(c *fiber.Ctx) error {
	var req dto.SendTestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.ChatID == 0 || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "chat_id and text are required"})
	}

	res, err := h.svc.SendSingle(c.Context(), req.ChatID, req.Text, req.PhotoURL)
	if err != nil {
		h.log.Error("test send failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{Error: "delivery failed"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.SendTestResponse{
		Delivered:   res.OK,
		Description: res.Description,
	}})
}
