package dto

import (
	"time"

	"github.com/evalcoach/evalcoach-api/internal/models"
)

// ChatTurnRequest starts (or safely retries) one coaching turn. The client
// message id is the idempotency key shared by the user message and its
// paired assistant reply.
type ChatTurnRequest struct {
	ClientMessageID string   `json:"client_message_id" validate:"required,max=128"`
	Content         string   `json:"content" validate:"required,max=8000"`
	SelectedMetrics []string `json:"selected_metrics" validate:"required,min=1,max=3"`
}

// ChatMessageResponse is the read model of one ledger entry.
type ChatMessageResponse struct {
	ID              string    `json:"id"`
	SnapshotID      string    `json:"snapshot_id"`
	ClientMessageID string    `json:"client_message_id"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	IsComplete      bool      `json:"is_complete"`
	SelectedMetrics []string  `json:"selected_metrics,omitempty"`
	TokenCount      int       `json:"token_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewChatMessageResponse maps a chat message model onto its read model.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:              message.ID,
		SnapshotID:      message.SnapshotID,
		ClientMessageID: message.ClientMessageID,
		Role:            message.Role,
		Content:         message.Content,
		IsComplete:      message.IsComplete,
		SelectedMetrics: message.SelectedMetricList(),
		TokenCount:      message.TokenCount,
		CreatedAt:       message.CreatedAt,
		UpdatedAt:       message.UpdatedAt,
	}
}

// NewChatMessageResponseSlice maps a conversation history.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	responses := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		responses = append(responses, NewChatMessageResponse(message))
	}
	return responses
}

// ChatTurnResponse reports both halves of a logical turn. Replayed is true
// when the request was an idempotent retry of an existing turn.
type ChatTurnResponse struct {
	UserMessage      ChatMessageResponse `json:"user_message"`
	AssistantMessage ChatMessageResponse `json:"assistant_message"`
	Replayed         bool                `json:"replayed"`
}

// Stream event types emitted over the websocket transport.
const (
	StreamEventSnapshot = "snapshot"
	StreamEventDelta    = "delta"
	StreamEventDone     = "done"
)

// StreamEvent is one frame of the assistant streaming contract. A reconnect
// first receives a snapshot frame with the accumulated content and the
// is_complete flag, then only new delta frames, then a done frame.
// Seq numbers delta frames from 1; a reconnecting client discards frames
// whose Seq is covered by the token count of its snapshot frame.
type StreamEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Content    string `json:"content,omitempty"`
	IsComplete bool   `json:"is_complete"`
	TokenCount int    `json:"token_count,omitempty"`
}
