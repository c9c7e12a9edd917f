package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindlog/broadcast-service/internal/http/dto"
	"github.com/mindlog/broadcast-service/internal/models"
	"github.com/mindlog/broadcast-service/internal/repositories"
	"github.com/mindlog/broadcast-service/internal/segments"
)

type SegmentHandler struct {
	repo     *repositories.SegmentRepo
	resolver *segments.Resolver
	log      *zap.Logger
}

func NewSegmentHandler(repo *repositories.SegmentRepo, resolver *segments.Resolver, log *zap.Logger) *SegmentHandler {
	return &SegmentHandler{repo: repo, resolver: resolver, log: log}
}

func (h *SegmentHandler) CreateSegment(c *fiber.Ctx) error {
	var req dto.CreateSegmentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	if req.Slug == "" || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "slug and name are required"})
	}
	switch req.Kind {
	case models.SegmentKindSystem, models.SegmentKindDynamic, models.SegmentKindStatic:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "unknown segment kind"})
	}
	if len(req.FilterRules) > 0 {
		if err := segments.ValidateRules(req.FilterRules); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		}
	}

	s := &models.Segment{
		Slug:          req.Slug,
		Name:          req.Name,
		Kind:          req.Kind,
		FilterRules:   req.FilterRules,
		StaticUserIDs: req.StaticUserIDs,
	}
	if err := h.repo.Create(c.Context(), s); err != nil {
		h.log.Error("create segment failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: s})
}

func (h *SegmentHandler) ListSegments(c *fiber.Ctx) error {
	segs, err := h.repo.List(c.Context())
	if err != nil {
		h.log.Error("list segments failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: segs})
}

func (h *SegmentHandler) GetSegment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid segment id"})
	}

	s, err := h.repo.GetByID(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "segment not found"})
	}
	if err != nil {
		h.log.Error("get segment failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: s})
}

// PreviewSegment computes the live recipient count, bypassing the
// cached one. Relative date rules resolve against now.
func (h *SegmentHandler) PreviewSegment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid segment id"})
	}

	s, err := h.repo.GetByID(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "segment not found"})
	}
	if err != nil {
		h.log.Error("get segment failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	count, err := h.resolver.Count(c.Context(), segments.Targeting{Segment: s})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{
		"segment_id": s.ID,
		"count":      count,
	}})
}
