package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/highlight"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/repository"
)

// SnapshotService owns the snapshot lifecycle: freezing judged evaluations
// into immutable records, listing them, and walking the status state machine.
type SnapshotService interface {
	Create(ctx context.Context, req dto.SnapshotCreateRequest) (dto.SnapshotResponse, error)
	Get(ctx context.Context, id string, includeDeleted bool) (dto.SnapshotResponse, error)
	List(ctx context.Context, req dto.SnapshotListRequest) (dto.SnapshotListResponse, error)
	SoftDelete(ctx context.Context, id string) (dto.SnapshotResponse, error)
	MarkCompleted(ctx context.Context, id string) (dto.SnapshotResponse, error)
	Archive(ctx context.Context, id string) (dto.SnapshotResponse, error)
	Highlights(ctx context.Context, id, metric string) ([]dto.MetricHighlights, error)
}

type snapshotService struct {
	repo      repository.SnapshotRepository
	cache     *redis.Client
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSnapshotService constructs the snapshot service.
func NewSnapshotService(repo repository.SnapshotRepository, cache *redis.Client, validate *validator.Validate, logger zerolog.Logger) SnapshotService {
	return &snapshotService{
		repo:      repo,
		cache:     cache,
		validator: validate,
		logger:    logger.With().Str("component", "snapshot_service").Logger(),
	}
}

func (s *snapshotService) Create(ctx context.Context, req dto.SnapshotCreateRequest) (dto.SnapshotResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SnapshotResponse{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if err := validateSnapshotPayload(req); err != nil {
		return dto.SnapshotResponse{}, err
	}

	maxTurns := req.MaxChatTurns
	if maxTurns <= 0 {
		maxTurns = models.DefaultMaxChatTurns
	}

	snapshot := models.Snapshot{
		ID:                 uuid.NewString(),
		QuestionText:       req.QuestionText,
		AnswerText:         req.AnswerText,
		ModelName:          req.ModelName,
		JudgeModelName:     req.JudgeModelName,
		PrimaryMetric:      req.PrimaryMetric,
		Category:           req.Category,
		Difficulty:         req.Difficulty,
		JudgeMetaScore:     req.JudgeMetaScore,
		WeightedGap:        models.WeightedGap(req.PrimaryMetric, req.BonusMetrics, req.UserScores, req.JudgeScores),
		OverallFeedback:    req.OverallFeedback,
		EvaluationRef:      req.EvaluationRef,
		JudgeEvaluationRef: req.JudgeEvaluationRef,
		Status:             models.SnapshotStatusActive,
		MaxChatTurns:       maxTurns,
	}
	snapshot.SetBonusMetrics(req.BonusMetrics)
	snapshot.SetUserScores(req.UserScores)
	snapshot.SetJudgeScores(req.JudgeScores)
	snapshot.SetEvidence(req.Evidence)

	if err := s.repo.Create(ctx, &snapshot); err != nil {
		return dto.SnapshotResponse{}, apperr.Storage(err)
	}

	s.invalidateInsights(ctx)
	s.logger.Info().Str("snapshot_id", snapshot.ID).Str("primary_metric", snapshot.PrimaryMetric).Msg("snapshot created")

	return dto.NewSnapshotResponse(snapshot), nil
}

func (s *snapshotService) Get(ctx context.Context, id string, includeDeleted bool) (dto.SnapshotResponse, error) {
	snapshot, err := s.repo.Get(ctx, id, includeDeleted)
	if err != nil {
		return dto.SnapshotResponse{}, mapRepositoryError(err, id)
	}
	return dto.NewSnapshotResponse(snapshot), nil
}

func (s *snapshotService) List(ctx context.Context, req dto.SnapshotListRequest) (dto.SnapshotListResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SnapshotListResponse{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if req.PrimaryMetric != "" && !models.IsValidMetric(req.PrimaryMetric) {
		return dto.SnapshotListResponse{}, apperr.Validationf("unknown metric %q", req.PrimaryMetric)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	snapshots, total, err := s.repo.List(ctx, repository.SnapshotFilter{
		Status:         req.Status,
		PrimaryMetric:  req.PrimaryMetric,
		IncludeDeleted: req.IncludeDeleted,
		Limit:          limit,
		Offset:         req.Offset,
	})
	if err != nil {
		return dto.SnapshotListResponse{}, apperr.Storage(err)
	}

	return dto.SnapshotListResponse{
		Items:      dto.NewSnapshotResponseSlice(snapshots),
		Pagination: dto.ListMeta{Limit: limit, Offset: req.Offset, Total: total},
	}, nil
}

func (s *snapshotService) SoftDelete(ctx context.Context, id string) (dto.SnapshotResponse, error) {
	snapshot, err := s.repo.SoftDelete(ctx, id)
	if err != nil {
		return dto.SnapshotResponse{}, mapRepositoryError(err, id)
	}

	s.invalidateInsights(ctx)
	s.logger.Info().Str("snapshot_id", id).Msg("snapshot soft deleted")

	return dto.NewSnapshotResponse(snapshot), nil
}

func (s *snapshotService) MarkCompleted(ctx context.Context, id string) (dto.SnapshotResponse, error) {
	return s.transition(ctx, id, models.SnapshotStatusCompleted)
}

func (s *snapshotService) Archive(ctx context.Context, id string) (dto.SnapshotResponse, error) {
	return s.transition(ctx, id, models.SnapshotStatusArchived)
}

func (s *snapshotService) transition(ctx context.Context, id, target string) (dto.SnapshotResponse, error) {
	snapshot, err := s.repo.Get(ctx, id, true)
	if err != nil {
		return dto.SnapshotResponse{}, mapRepositoryError(err, id)
	}

	if snapshot.Status == target {
		return dto.NewSnapshotResponse(snapshot), nil
	}
	if !models.CanTransitionStatus(snapshot.Status, target) {
		return dto.SnapshotResponse{}, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, snapshot.Status, target)
	}

	if err := s.repo.UpdateStatus(ctx, id, target); err != nil {
		return dto.SnapshotResponse{}, mapRepositoryError(err, id)
	}

	updated, err := s.repo.Get(ctx, id, true)
	if err != nil {
		return dto.SnapshotResponse{}, mapRepositoryError(err, id)
	}

	s.logger.Info().Str("snapshot_id", id).Str("status", target).Msg("snapshot status changed")
	return dto.NewSnapshotResponse(updated), nil
}

// Highlights resolves evidence spans against the model answer. An empty
// metric resolves every metric's evidence separately.
func (s *snapshotService) Highlights(ctx context.Context, id, metric string) ([]dto.MetricHighlights, error) {
	snapshot, err := s.repo.Get(ctx, id, true)
	if err != nil {
		return nil, mapRepositoryError(err, id)
	}

	evidence := snapshot.EvidenceByMetric()

	metrics := make([]string, 0, len(evidence))
	if metric != "" {
		if !models.IsValidMetric(metric) {
			return nil, apperr.Validationf("unknown metric %q", metric)
		}
		metrics = append(metrics, metric)
	} else {
		for _, slug := range models.MetricSlugs {
			if _, ok := evidence[slug]; ok {
				metrics = append(metrics, slug)
			}
		}
	}

	results := make([]dto.MetricHighlights, 0, len(metrics))
	for _, slug := range metrics {
		results = append(results, dto.MetricHighlights{
			Metric:   slug,
			Segments: highlight.Resolve(snapshot.AnswerText, evidence[slug]),
		})
	}
	return results, nil
}

func (s *snapshotService) invalidateInsights(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, insightsOverviewCacheKey, insightsMetricsCacheKey).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate insights cache")
	}
}

func validateSnapshotPayload(req dto.SnapshotCreateRequest) error {
	if !models.IsValidMetric(req.PrimaryMetric) {
		return apperr.Validationf("unknown primary metric %q", req.PrimaryMetric)
	}

	seen := map[string]bool{req.PrimaryMetric: true}
	for _, slug := range req.BonusMetrics {
		if !models.IsValidMetric(slug) {
			return apperr.Validationf("unknown bonus metric %q", slug)
		}
		if seen[slug] {
			return apperr.Validationf("duplicate bonus metric %q", slug)
		}
		seen[slug] = true
	}

	userPrimary, ok := req.UserScores[req.PrimaryMetric]
	if !ok || userPrimary.Score == nil {
		return apperr.Validationf("user score for primary metric %q is required", req.PrimaryMetric)
	}
	judgePrimary, ok := req.JudgeScores[req.PrimaryMetric]
	if !ok || judgePrimary.Score == nil {
		return apperr.Validationf("judge score for primary metric %q is required", req.PrimaryMetric)
	}

	return nil
}

func mapRepositoryError(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFoundf("snapshot %s", id)
	}
	return apperr.Storage(err)
}
