package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/middleware"
	"github.com/evalcoach/evalcoach-api/internal/service"
	"github.com/evalcoach/evalcoach-api/internal/utils"
)

// ChatHandler wires the coaching turn endpoints including the websocket
// stream attach.
type ChatHandler struct {
	service service.CoachService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.CoachService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the snapshots router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Post("/:id/messages", h.startTurn)
	router.Get("/:id/messages", h.history)

	router.Use("/:id/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/:id/stream", websocket.New(h.handleStream))
}

func (h *ChatHandler) startTurn(c *fiber.Ctx) error {
	var req dto.ChatTurnRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	turn, err := h.service.StartTurn(c.Context(), c.Params("id"), req)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	status := fiber.StatusCreated
	if turn.Replayed {
		status = fiber.StatusOK
	}
	return utils.SendSuccessWithStatus(c, status, "coaching turn accepted", turn)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	messages, err := h.service.History(c.Context(), c.Params("id"))
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func (h *ChatHandler) handleStream(conn *websocket.Conn) {
	defer conn.Close()

	snapshotID := conn.Params("id")
	clientMessageID := strings.TrimSpace(conn.Query("client_message_id"))
	if clientMessageID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client_message_id required"))
		return
	}

	ctx, ok := conn.Locals("request_ctx").(context.Context)
	if !ok || ctx == nil {
		ctx = context.Background()
	}

	initial, events, cancel, err := h.service.Stream(ctx, snapshotID, clientMessageID)
	if err != nil {
		h.logger.Warn().Err(err).Str("snapshot_id", snapshotID).Msg("stream attach rejected")
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return
	}
	defer cancel()

	h.logger.Info().Str("snapshot_id", snapshotID).Str("client_message_id", clientMessageID).Msg("stream attached")

	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	// Read pump: the client does not send payloads, but reading is required
	// to observe close frames.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-events:
			if !open {
				h.logger.Info().Str("snapshot_id", snapshotID).Msg("stream completed")
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-disconnected:
			h.logger.Info().Str("snapshot_id", snapshotID).Msg("stream client disconnected")
			return
		}
	}
}
