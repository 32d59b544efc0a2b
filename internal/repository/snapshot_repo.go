package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/models"
)

// SnapshotFilter narrows snapshot listings.
type SnapshotFilter struct {
	Status         string
	PrimaryMetric  string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// SnapshotRepository persists evaluation snapshots and their lifecycle fields.
type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *models.Snapshot) error
	Get(ctx context.Context, id string, includeDeleted bool) (models.Snapshot, error)
	List(ctx context.Context, filter SnapshotFilter) ([]models.Snapshot, int64, error)
	SoftDelete(ctx context.Context, id string) (models.Snapshot, error)
	UpdateStatus(ctx context.Context, id, status string) error
	ReserveTurn(ctx context.Context, id string) error
	ListForInsights(ctx context.Context) ([]models.Snapshot, error)
}

type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository constructs a snapshot repository backed by GORM.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

func (r *snapshotRepository) Create(ctx context.Context, snapshot *models.Snapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *snapshotRepository) Get(ctx context.Context, id string, includeDeleted bool) (models.Snapshot, error) {
	query := r.db.WithContext(ctx).Where("id = ?", id)
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}

	var snapshot models.Snapshot
	if err := query.First(&snapshot).Error; err != nil {
		return models.Snapshot{}, err
	}
	return snapshot, nil
}

func (r *snapshotRepository) List(ctx context.Context, filter SnapshotFilter) ([]models.Snapshot, int64, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := r.db.WithContext(ctx).Model(&models.Snapshot{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PrimaryMetric != "" {
		query = query.Where("primary_metric = ?", filter.PrimaryMetric)
	}
	if !filter.IncludeDeleted {
		query = query.Where("deleted_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var snapshots []models.Snapshot
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&snapshots).Error; err != nil {
		return nil, 0, err
	}

	return snapshots, total, nil
}

func (r *snapshotRepository) SoftDelete(ctx context.Context, id string) (models.Snapshot, error) {
	snapshot, err := r.Get(ctx, id, true)
	if err != nil {
		return models.Snapshot{}, err
	}

	if snapshot.DeletedAt != nil {
		return snapshot, nil
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Snapshot{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		return models.Snapshot{}, result.Error
	}

	return r.Get(ctx, id, true)
}

func (r *snapshotRepository) UpdateStatus(ctx context.Context, id, status string) error {
	result := r.db.WithContext(ctx).Model(&models.Snapshot{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReserveTurn admits one coaching turn by conditionally incrementing the
// counter. The guard clause makes limit check and increment a single atomic
// statement, so two concurrent admissions can never both pass the check.
func (r *snapshotRepository) ReserveTurn(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&models.Snapshot{}).
		Where("id = ? AND chat_turn_count < max_chat_turns", id).
		Updates(map[string]interface{}{
			"chat_turn_count": gorm.Expr("chat_turn_count + 1"),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, id, true); err != nil {
		return err
	}
	return apperr.ErrTurnLimitExceeded
}

func (r *snapshotRepository) ListForInsights(ctx context.Context) ([]models.Snapshot, error) {
	var snapshots []models.Snapshot
	err := r.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("created_at DESC").
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}
