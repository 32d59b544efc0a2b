package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/repository"
)

func TestInsightsOverviewComputesMeansAndTrend(t *testing.T) {
	db := setupServiceDB(t)
	repo := repository.NewSnapshotRepository(db)
	svc := NewInsightsService(repo, nil, time.Minute, zerolog.Nop())
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Older snapshots carry larger gaps; the recent half converging on the
	// judge classifies as improving.
	gaps := []float64{1.6, 1.4, 0.5, 0.3}
	for i, gap := range gaps {
		seedSnapshot(t, repo, models.MetricTruthfulness, gap, 4, base.Add(time.Duration(i)*time.Minute))
	}

	overview, err := svc.Overview(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), overview.TotalSnapshots)
	require.InDelta(t, 4.0, overview.MeanJudgeMetaScore, 0.0001)
	require.InDelta(t, (1.6+1.4+0.5+0.3)/4, overview.MeanWeightedGap, 0.0001)
	require.Equal(t, dto.TrendImproving, overview.Trend)
}

func TestInsightsOverviewInsufficientData(t *testing.T) {
	db := setupServiceDB(t)
	repo := repository.NewSnapshotRepository(db)
	svc := NewInsightsService(repo, nil, time.Minute, zerolog.Nop())

	overview, err := svc.Overview(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), overview.TotalSnapshots)
	require.Equal(t, dto.TrendInsufficientData, overview.Trend)

	seedSnapshot(t, repo, models.MetricSafety, 1.0, 4, time.Now().UTC())
	overview, err = svc.Overview(context.Background())
	require.NoError(t, err)
	require.Equal(t, dto.TrendInsufficientData, overview.Trend)
}

func TestInsightsOverviewExcludesDeletedSnapshots(t *testing.T) {
	db := setupServiceDB(t)
	repo := repository.NewSnapshotRepository(db)
	svc := NewInsightsService(repo, nil, time.Minute, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	kept := seedSnapshot(t, repo, models.MetricSafety, 1.0, 4, now.Add(-time.Minute))
	dropped := seedSnapshot(t, repo, models.MetricSafety, 3.0, 1, now)
	_, err := repo.SoftDelete(ctx, dropped.ID)
	require.NoError(t, err)

	overview, err := svc.Overview(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), overview.TotalSnapshots)
	require.InDelta(t, kept.WeightedGap, overview.MeanWeightedGap, 0.0001)
}

func TestInsightsPerMetricGroups(t *testing.T) {
	db := setupServiceDB(t)
	repo := repository.NewSnapshotRepository(db)
	svc := NewInsightsService(repo, nil, time.Minute, zerolog.Nop())
	base := time.Now().UTC().Add(-time.Hour)

	seedSnapshot(t, repo, models.MetricTruthfulness, 1.0, 4, base)
	seedSnapshot(t, repo, models.MetricTruthfulness, 2.0, 2, base.Add(time.Minute))
	seedSnapshot(t, repo, models.MetricClarity, 0.4, 5, base.Add(2*time.Minute))

	metrics, err := svc.PerMetric(context.Background())
	require.NoError(t, err)
	require.Len(t, metrics.Items, 2)

	// Items follow canonical slug order: truthfulness before clarity.
	require.Equal(t, models.MetricTruthfulness, metrics.Items[0].Metric)
	require.Equal(t, int64(2), metrics.Items[0].Count)
	require.InDelta(t, 1.5, metrics.Items[0].AvgWeightedGap, 0.0001)
	require.InDelta(t, 3.0, metrics.Items[0].AvgJudgeMeta, 0.0001)

	require.Equal(t, models.MetricClarity, metrics.Items[1].Metric)
	require.Equal(t, int64(1), metrics.Items[1].Count)
}

func TestInsightsOverviewCaching(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	cache := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	db := setupServiceDB(t)
	repo := repository.NewSnapshotRepository(db)
	svc := NewInsightsService(repo, cache, time.Minute, zerolog.Nop())
	ctx := context.Background()

	seedSnapshot(t, repo, models.MetricSafety, 1.0, 4, time.Now().UTC())

	first, err := svc.Overview(ctx)
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	require.Equal(t, int64(1), first.TotalSnapshots)

	// Direct writes bypass cache invalidation; the cached view holds.
	seedSnapshot(t, repo, models.MetricSafety, 2.0, 3, time.Now().UTC())

	second, err := svc.Overview(ctx)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, int64(1), second.TotalSnapshots)

	mini.FastForward(2 * time.Minute)

	third, err := svc.Overview(ctx)
	require.NoError(t, err)
	require.False(t, third.CacheHit)
	require.Equal(t, int64(2), third.TotalSnapshots)
}

func TestClassifyTrend(t *testing.T) {
	require.Equal(t, dto.TrendInsufficientData, classifyTrend(nil))
	require.Equal(t, dto.TrendInsufficientData, classifyTrend([]float64{1.0}))

	// Newest first: gaps shrinking over time trend improving.
	require.Equal(t, dto.TrendImproving, classifyTrend([]float64{0.4, 0.5, 1.4, 1.6}))
	require.Equal(t, dto.TrendDeclining, classifyTrend([]float64{1.6, 1.4, 0.5, 0.4}))
	require.Equal(t, dto.TrendStable, classifyTrend([]float64{1.0, 1.02, 1.01, 1.0}))
}
