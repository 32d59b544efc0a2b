package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/observability"
	"github.com/evalcoach/evalcoach-api/internal/repository"
)

const (
	insightsOverviewCacheKey = "insights:overview:v1"
	insightsMetricsCacheKey  = "insights:metrics:v1"

	// trendWindow bounds the trend classification to the most recent
	// snapshots; trendThreshold separates movement from noise.
	trendWindow    = 10
	trendThreshold = 0.05
)

// InsightsService computes gap statistics across snapshots for the training
// dashboard.
type InsightsService interface {
	Overview(ctx context.Context) (dto.InsightsOverviewResponse, error)
	PerMetric(ctx context.Context) (dto.InsightsMetricsResponse, error)
}

type insightsService struct {
	repo   repository.SnapshotRepository
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewInsightsService constructs the insights service.
func NewInsightsService(repo repository.SnapshotRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) InsightsService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &insightsService{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "insights_service").Logger(),
	}
}

func (s *insightsService) Overview(ctx context.Context) (dto.InsightsOverviewResponse, error) {
	start := time.Now()
	defer func() {
		observability.InsightsLatency().Observe(time.Since(start).Seconds())
	}()

	if cached, ok := readCached[dto.InsightsOverviewResponse](ctx, s.cache, insightsOverviewCacheKey); ok {
		cached.CacheHit = true
		observability.InsightsRequests().WithLabelValues("hit").Inc()
		return cached, nil
	}

	snapshots, err := s.repo.ListForInsights(ctx)
	if err != nil {
		observability.InsightsRequests().WithLabelValues("error").Inc()
		return dto.InsightsOverviewResponse{}, apperr.Storage(err)
	}

	response := dto.InsightsOverviewResponse{
		TotalSnapshots: int64(len(snapshots)),
		Trend:          classifyTrend(recentGaps(snapshots, trendWindow)),
	}
	if len(snapshots) > 0 {
		metaSum, gapSum := 0.0, 0.0
		for _, snapshot := range snapshots {
			metaSum += float64(snapshot.JudgeMetaScore)
			gapSum += snapshot.WeightedGap
		}
		response.MeanJudgeMetaScore = metaSum / float64(len(snapshots))
		response.MeanWeightedGap = gapSum / float64(len(snapshots))
	}

	observability.InsightsRequests().WithLabelValues("miss").Inc()
	s.writeCache(ctx, insightsOverviewCacheKey, response)
	return response, nil
}

func (s *insightsService) PerMetric(ctx context.Context) (dto.InsightsMetricsResponse, error) {
	start := time.Now()
	defer func() {
		observability.InsightsLatency().Observe(time.Since(start).Seconds())
	}()

	if cached, ok := readCached[dto.InsightsMetricsResponse](ctx, s.cache, insightsMetricsCacheKey); ok {
		cached.CacheHit = true
		observability.InsightsRequests().WithLabelValues("hit").Inc()
		return cached, nil
	}

	snapshots, err := s.repo.ListForInsights(ctx)
	if err != nil {
		observability.InsightsRequests().WithLabelValues("error").Inc()
		return dto.InsightsMetricsResponse{}, apperr.Storage(err)
	}

	// Snapshots arrive newest first; grouping preserves that order so each
	// group's trend window is its most recent entries.
	grouped := make(map[string][]models.Snapshot)
	for _, snapshot := range snapshots {
		grouped[snapshot.PrimaryMetric] = append(grouped[snapshot.PrimaryMetric], snapshot)
	}

	items := make([]dto.MetricInsight, 0, len(grouped))
	for _, slug := range models.MetricSlugs {
		group, ok := grouped[slug]
		if !ok {
			continue
		}

		gapSum, metaSum := 0.0, 0.0
		for _, snapshot := range group {
			gapSum += snapshot.WeightedGap
			metaSum += float64(snapshot.JudgeMetaScore)
		}

		items = append(items, dto.MetricInsight{
			Metric:         slug,
			Count:          int64(len(group)),
			AvgWeightedGap: gapSum / float64(len(group)),
			AvgJudgeMeta:   metaSum / float64(len(group)),
			Trend:          classifyTrend(recentGaps(group, trendWindow)),
		})
	}

	response := dto.InsightsMetricsResponse{Items: items}
	observability.InsightsRequests().WithLabelValues("miss").Inc()
	s.writeCache(ctx, insightsMetricsCacheKey, response)
	return response, nil
}

func (s *insightsService) writeCache(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to cache insights")
	}
}

func readCached[T any](ctx context.Context, cache *redis.Client, key string) (T, bool) {
	var zero T
	if cache == nil {
		return zero, false
	}
	raw, err := cache.Get(ctx, key).Result()
	if err != nil || raw == "" {
		return zero, false
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, false
	}
	return value, true
}

// recentGaps extracts weighted gaps from the newest-first snapshot list,
// capped at the trend window.
func recentGaps(snapshots []models.Snapshot, window int) []float64 {
	if len(snapshots) > window {
		snapshots = snapshots[:window]
	}
	gaps := make([]float64, 0, len(snapshots))
	for _, snapshot := range snapshots {
		gaps = append(gaps, snapshot.WeightedGap)
	}
	return gaps
}

// classifyTrend compares the mean weighted gap of the newer half of the
// window against the older half. Lower gaps mean the user is converging on
// the judge, so a drop classifies as improving.
func classifyTrend(gaps []float64) string {
	if len(gaps) < 2 {
		return dto.TrendInsufficientData
	}

	half := len(gaps) / 2
	recent := gaps[:half]
	older := gaps[half:]

	mean := func(values []float64) float64 {
		sum := 0.0
		for _, value := range values {
			sum += value
		}
		return sum / float64(len(values))
	}

	delta := mean(recent) - mean(older)
	switch {
	case delta < -trendThreshold:
		return dto.TrendImproving
	case delta > trendThreshold:
		return dto.TrendDeclining
	default:
		return dto.TrendStable
	}
}
