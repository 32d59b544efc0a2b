package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/repository"
)

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Snapshot{}, &models.ChatMessage{}))
	return db
}

func intPtr(v int) *int {
	return &v
}

func validCreateRequest() dto.SnapshotCreateRequest {
	return dto.SnapshotCreateRequest{
		QuestionText:  "Explain how TLS certificate pinning works.",
		AnswerText:    "Certificate pinning binds a host to an expected certificate or public key.",
		ModelName:     "answer-model-a",
		PrimaryMetric: models.MetricTruthfulness,
		BonusMetrics:  []string{models.MetricHelpfulness, models.MetricClarity},
		UserScores: models.ScoreMap{
			models.MetricTruthfulness: {Score: intPtr(2), Reasoning: "missed the key rotation caveat"},
			models.MetricHelpfulness:  {Score: intPtr(3)},
			models.MetricClarity:      {Score: intPtr(5)},
		},
		JudgeScores: models.ScoreMap{
			models.MetricTruthfulness: {Score: intPtr(4), Rationale: "mostly accurate"},
			models.MetricHelpfulness:  {Score: intPtr(4)},
			models.MetricClarity:      {Score: intPtr(3)},
		},
		JudgeMetaScore: 4,
	}
}

// seedSnapshot persists a snapshot directly through the repository with a
// controlled creation time, newest entries carrying the latest timestamps.
func seedSnapshot(t *testing.T, repo repository.SnapshotRepository, primaryMetric string, gap float64, metaScore int, createdAt time.Time) models.Snapshot {
	t.Helper()

	snapshot := models.Snapshot{
		ID:             uuid.NewString(),
		QuestionText:   "question",
		AnswerText:     "answer",
		PrimaryMetric:  primaryMetric,
		JudgeMetaScore: metaScore,
		WeightedGap:    gap,
		Status:         models.SnapshotStatusActive,
		MaxChatTurns:   models.DefaultMaxChatTurns,
		CreatedAt:      createdAt,
	}
	snapshot.SetUserScores(models.ScoreMap{primaryMetric: {Score: intPtr(3)}})
	snapshot.SetJudgeScores(models.ScoreMap{primaryMetric: {Score: intPtr(4)}})
	require.NoError(t, repo.Create(context.Background(), &snapshot))
	return snapshot
}

func newSnapshotServiceFixture(t *testing.T, cache *redis.Client) (SnapshotService, repository.SnapshotRepository) {
	t.Helper()

	db := setupServiceDB(t)
	repo := repository.NewSnapshotRepository(db)
	validate := validator.New(validator.WithRequiredStructEnabled())
	return NewSnapshotService(repo, cache, validate, zerolog.Nop()), repo
}

func TestSnapshotCreateComputesWeightedGap(t *testing.T) {
	svc, _ := newSnapshotServiceFixture(t, nil)

	created, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)

	// primary |2-4|=2 weighted 0.7, bonus mean (1+2)/2=1.5 weighted 0.2, no
	// other scored metrics.
	require.InDelta(t, 2*0.7+1.5*0.2, created.WeightedGap, 0.0001)
	require.Equal(t, models.SnapshotStatusActive, created.Status)
	require.Equal(t, models.DefaultMaxChatTurns, created.MaxChatTurns)
	require.Equal(t, 0, created.ChatTurnCount)
	require.False(t, created.EvidenceAvailable)
	require.NotEmpty(t, created.ID)
}

func TestSnapshotCreateRejectsInvalidPayloads(t *testing.T) {
	svc, _ := newSnapshotServiceFixture(t, nil)
	ctx := context.Background()

	unknownMetric := validCreateRequest()
	unknownMetric.PrimaryMetric = "vibes"
	_, err := svc.Create(ctx, unknownMetric)
	require.ErrorIs(t, err, apperr.ErrValidation)

	missingPrimaryScore := validCreateRequest()
	delete(missingPrimaryScore.UserScores, models.MetricTruthfulness)
	_, err = svc.Create(ctx, missingPrimaryScore)
	require.ErrorIs(t, err, apperr.ErrValidation)

	duplicateBonus := validCreateRequest()
	duplicateBonus.BonusMetrics = []string{models.MetricTruthfulness}
	_, err = svc.Create(ctx, duplicateBonus)
	require.ErrorIs(t, err, apperr.ErrValidation)

	missingAnswer := validCreateRequest()
	missingAnswer.AnswerText = ""
	_, err = svc.Create(ctx, missingAnswer)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSnapshotStatusTransitions(t *testing.T) {
	svc, _ := newSnapshotServiceFixture(t, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	completed, err := svc.MarkCompleted(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.SnapshotStatusCompleted, completed.Status)

	// Repeating the same transition is a no-op, not an error.
	again, err := svc.MarkCompleted(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.SnapshotStatusCompleted, again.Status)

	archived, err := svc.Archive(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.SnapshotStatusArchived, archived.Status)

	_, err = svc.MarkCompleted(ctx, created.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestSnapshotGetMissingReturnsNotFound(t *testing.T) {
	svc, _ := newSnapshotServiceFixture(t, nil)

	_, err := svc.Get(context.Background(), uuid.NewString(), false)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSnapshotSoftDeleteHiddenFromDefaultGet(t *testing.T) {
	svc, _ := newSnapshotServiceFixture(t, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	deleted, err := svc.SoftDelete(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	_, err = svc.Get(ctx, created.ID, false)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	restored, err := svc.Get(ctx, created.ID, true)
	require.NoError(t, err)
	require.Equal(t, created.ID, restored.ID)
}

func TestSnapshotMutationsInvalidateInsightsCache(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	cache := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	svc, _ := newSnapshotServiceFixture(t, cache)
	ctx := context.Background()

	require.NoError(t, mini.Set(insightsOverviewCacheKey, `{"total_snapshots":1}`))
	require.NoError(t, mini.Set(insightsMetricsCacheKey, `{"items":[]}`))

	_, err = svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	require.False(t, mini.Exists(insightsOverviewCacheKey))
	require.False(t, mini.Exists(insightsMetricsCacheKey))
}

func TestSnapshotHighlights(t *testing.T) {
	svc, _ := newSnapshotServiceFixture(t, nil)
	ctx := context.Background()

	req := validCreateRequest()
	req.AnswerText = "Certificate pinning binds a host to a key."
	req.Evidence = models.EvidenceMap{
		models.MetricTruthfulness: {
			{Start: 0, End: 19, Quote: "Certificate pinning", Why: "correct term", Verified: true, HighlightAvailable: true},
		},
	}

	created, err := svc.Create(ctx, req)
	require.NoError(t, err)
	require.True(t, created.EvidenceAvailable)

	highlights, err := svc.Highlights(ctx, created.ID, models.MetricTruthfulness)
	require.NoError(t, err)
	require.Len(t, highlights, 1)
	require.Equal(t, models.MetricTruthfulness, highlights[0].Metric)
	require.Len(t, highlights[0].Segments, 2)
	require.Equal(t, "Certificate pinning", highlights[0].Segments[0].Text)
	require.True(t, highlights[0].Segments[0].Highlighted)
	require.False(t, highlights[0].Segments[1].Highlighted)

	_, err = svc.Highlights(ctx, created.ID, "vibes")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSnapshotListFiltersAndPages(t *testing.T) {
	svc, repo := newSnapshotServiceFixture(t, nil)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		seedSnapshot(t, repo, models.MetricSafety, 1.0, 4, base.Add(time.Duration(i)*time.Minute))
	}
	seedSnapshot(t, repo, models.MetricClarity, 0.5, 5, base.Add(time.Hour))

	page, err := svc.List(ctx, dto.SnapshotListRequest{PrimaryMetric: models.MetricSafety, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, int64(3), page.Pagination.Total)
	require.Equal(t, 2, page.Pagination.Limit)

	_, err = svc.List(ctx, dto.SnapshotListRequest{PrimaryMetric: "vibes"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}
