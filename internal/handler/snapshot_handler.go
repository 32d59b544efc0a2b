package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/service"
	"github.com/evalcoach/evalcoach-api/internal/utils"
)

// SnapshotHandler exposes the snapshot lifecycle endpoints.
type SnapshotHandler struct {
	service service.SnapshotService
	logger  zerolog.Logger
}

// NewSnapshotHandler builds a snapshot handler instance.
func NewSnapshotHandler(service service.SnapshotService, logger zerolog.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		service: service,
		logger:  logger.With().Str("component", "snapshot_handler").Logger(),
	}
}

// Register wires the snapshot routes under the provided router group.
func (h *SnapshotHandler) Register(router fiber.Router) {
	router.Post("", h.create)
	router.Get("", h.list)
	router.Get("/:id", h.get)
	router.Delete("/:id", h.softDelete)
	router.Post("/:id/complete", h.complete)
	router.Post("/:id/archive", h.archive)
	router.Get("/:id/highlights", h.highlights)
}

func (h *SnapshotHandler) create(c *fiber.Ctx) error {
	var req dto.SnapshotCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	snapshot, err := h.service.Create(c.Context(), req)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "snapshot created", snapshot)
}

func (h *SnapshotHandler) list(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	req := dto.SnapshotListRequest{
		Status:         strings.TrimSpace(c.Query("status")),
		PrimaryMetric:  strings.TrimSpace(c.Query("primary_metric")),
		IncludeDeleted: c.QueryBool("include_deleted"),
		Limit:          limit,
		Offset:         offset,
	}

	page, err := h.service.List(c.Context(), req)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.OK(c, page.Items, "snapshots retrieved", page.Pagination)
}

func (h *SnapshotHandler) get(c *fiber.Ctx) error {
	snapshot, err := h.service.Get(c.Context(), c.Params("id"), c.QueryBool("include_deleted"))
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "snapshot retrieved", snapshot)
}

func (h *SnapshotHandler) softDelete(c *fiber.Ctx) error {
	snapshot, err := h.service.SoftDelete(c.Context(), c.Params("id"))
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "snapshot deleted", snapshot)
}

func (h *SnapshotHandler) complete(c *fiber.Ctx) error {
	snapshot, err := h.service.MarkCompleted(c.Context(), c.Params("id"))
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "snapshot completed", snapshot)
}

func (h *SnapshotHandler) archive(c *fiber.Ctx) error {
	snapshot, err := h.service.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "snapshot archived", snapshot)
}

func (h *SnapshotHandler) highlights(c *fiber.Ctx) error {
	metric := strings.TrimSpace(c.Query("metric"))

	highlights, err := h.service.Highlights(c.Context(), c.Params("id"), metric)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "highlights resolved", highlights)
}
