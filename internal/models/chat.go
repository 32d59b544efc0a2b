package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Chat message roles. A logical coaching turn pairs one user message with one
// assistant message under a shared client message id.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is one turn-component of a coaching conversation. The
// (snapshot_id, client_message_id, role) triple is unique, which makes
// retried writes idempotent: a replay lands on the existing row instead of
// inserting a duplicate. Content and token count mutate only while
// IsComplete is false; user messages are created complete.
type ChatMessage struct {
	ID              string `gorm:"size:64;primaryKey" json:"id"`
	SnapshotID      string `gorm:"size:64;not null;index;uniqueIndex:idx_chat_turn_role,priority:1" json:"snapshot_id"`
	ClientMessageID string `gorm:"size:128;not null;uniqueIndex:idx_chat_turn_role,priority:2" json:"client_message_id"`
	Role            string `gorm:"size:16;not null;uniqueIndex:idx_chat_turn_role,priority:3" json:"role"`
	Content         string `gorm:"type:text" json:"content"`
	IsComplete      bool   `gorm:"not null;default:false" json:"is_complete"`

	// Metric slugs the user chose to discuss; present only on user messages
	// and immutable once written.
	SelectedMetricsRaw datatypes.JSON `gorm:"column:selected_metrics;type:json" json:"-"`

	TokenCount int       `gorm:"not null;default:0" json:"token_count"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetSelectedMetrics serializes the chosen metric slugs into the JSON column.
func (m *ChatMessage) SetSelectedMetrics(slugs []string) {
	m.SelectedMetricsRaw = marshalJSONColumn(slugs, "[]")
}

// SelectedMetricList deserializes the stored metric selection.
func (m ChatMessage) SelectedMetricList() []string {
	if len(m.SelectedMetricsRaw) == 0 {
		return nil
	}
	var slugs []string
	if err := json.Unmarshal(m.SelectedMetricsRaw, &slugs); err != nil {
		return nil
	}
	return slugs
}
