package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/models"
)

// ChatMessageRepository is the append-only, idempotent message ledger scoped
// to a snapshot.
type ChatMessageRepository interface {
	// InsertIdempotent writes the message unless a row already exists for its
	// (snapshot, client message id, role) triple, in which case the existing
	// row is returned untouched. The boolean reports whether a new row was
	// created. Concurrent retries of the same logical write produce exactly
	// one row; the loser observes the winner's record.
	InsertIdempotent(ctx context.Context, message *models.ChatMessage) (models.ChatMessage, bool, error)
	Get(ctx context.Context, id string) (models.ChatMessage, error)
	GetByTurn(ctx context.Context, snapshotID, clientMessageID, role string) (models.ChatMessage, error)
	AppendChunk(ctx context.Context, id, fragment string) error
	Finalize(ctx context.Context, id string, tokenCount int) error
	History(ctx context.Context, snapshotID string) ([]models.ChatMessage, error)
}

type chatMessageRepository struct {
	db *gorm.DB
}

// NewChatMessageRepository constructs a chat ledger backed by GORM.
func NewChatMessageRepository(db *gorm.DB) ChatMessageRepository {
	return &chatMessageRepository{db: db}
}

func (r *chatMessageRepository) InsertIdempotent(ctx context.Context, message *models.ChatMessage) (models.ChatMessage, bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_id"}, {Name: "client_message_id"}, {Name: "role"}},
		DoNothing: true,
	}).Create(message)
	if result.Error != nil {
		return models.ChatMessage{}, false, result.Error
	}

	if result.RowsAffected > 0 {
		return *message, true, nil
	}

	existing, err := r.GetByTurn(ctx, message.SnapshotID, message.ClientMessageID, message.Role)
	if err != nil {
		return models.ChatMessage{}, false, err
	}
	return existing, false, nil
}

func (r *chatMessageRepository) Get(ctx context.Context, id string) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatMessageRepository) GetByTurn(ctx context.Context, snapshotID, clientMessageID, role string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("snapshot_id = ? AND client_message_id = ? AND role = ?", snapshotID, clientMessageID, role).
		First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// AppendChunk appends a streamed fragment to a message still in flight. The
// is_complete guard in the statement rejects writes racing a finalize.
func (r *chatMessageRepository) AppendChunk(ctx context.Context, id, fragment string) error {
	result := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ? AND is_complete = ?", id, false).
		Updates(map[string]interface{}{
			"content":     gorm.Expr("content || ?", fragment),
			"token_count": gorm.Expr("token_count + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return apperr.ErrInvalidState
}

// Finalize freezes a message and fixes its token count. Finalizing an
// already-complete message is a no-op.
func (r *chatMessageRepository) Finalize(ctx context.Context, id string, tokenCount int) error {
	result := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ? AND is_complete = ?", id, false).
		Updates(map[string]interface{}{
			"is_complete": true,
			"token_count": tokenCount,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	_, err := r.Get(ctx, id)
	return err
}

func (r *chatMessageRepository) History(ctx context.Context, snapshotID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("snapshot_id = ?", snapshotID).
		Order("created_at ASC, role DESC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}
