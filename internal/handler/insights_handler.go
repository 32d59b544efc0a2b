package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/evalcoach/evalcoach-api/internal/service"
	"github.com/evalcoach/evalcoach-api/internal/utils"
)

// InsightsHandler exposes the aggregated gap and trend endpoints.
type InsightsHandler struct {
	service service.InsightsService
	logger  zerolog.Logger
}

// NewInsightsHandler builds an insights handler instance.
func NewInsightsHandler(service service.InsightsService, logger zerolog.Logger) *InsightsHandler {
	return &InsightsHandler{
		service: service,
		logger:  logger.With().Str("component", "insights_handler").Logger(),
	}
}

// Register wires the insights routes under the provided router group.
func (h *InsightsHandler) Register(router fiber.Router) {
	router.Get("/overview", h.overview)
	router.Get("/metrics", h.perMetric)
}

func (h *InsightsHandler) overview(c *fiber.Ctx) error {
	overview, err := h.service.Overview(c.Context())
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "insights overview", overview)
}

func (h *InsightsHandler) perMetric(c *fiber.Ctx) error {
	metrics, err := h.service.PerMetric(c.Context())
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "insights by metric", metrics)
}
