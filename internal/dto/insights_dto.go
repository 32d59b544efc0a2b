package dto

// Trend classifications computed over the most recent snapshots.
const (
	TrendImproving        = "improving"
	TrendDeclining        = "declining"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
)

// InsightsOverviewResponse aggregates all non-deleted snapshots.
type InsightsOverviewResponse struct {
	TotalSnapshots     int64   `json:"total_snapshots"`
	MeanJudgeMetaScore float64 `json:"mean_judge_meta_score"`
	MeanWeightedGap    float64 `json:"mean_weighted_gap"`
	Trend              string  `json:"trend"`
	CacheHit           bool    `json:"cache_hit,omitempty"`
}

// MetricInsight summarises one primary-metric group.
type MetricInsight struct {
	Metric         string  `json:"metric"`
	Count          int64   `json:"count"`
	AvgWeightedGap float64 `json:"avg_weighted_gap"`
	AvgJudgeMeta   float64 `json:"avg_judge_meta_score"`
	Trend          string  `json:"trend"`
}

// InsightsMetricsResponse groups gap statistics by primary metric.
type InsightsMetricsResponse struct {
	Items    []MetricInsight `json:"items"`
	CacheHit bool            `json:"cache_hit,omitempty"`
}
