package models

// Metric slugs form the fixed eight-way rubric every evaluation is scored
// against. The set is closed; unknown slugs are rejected at the boundary.
const (
	MetricTruthfulness = "truthfulness"
	MetricHelpfulness  = "helpfulness"
	MetricSafety       = "safety"
	MetricBias         = "bias"
	MetricClarity      = "clarity"
	MetricConsistency  = "consistency"
	MetricEfficiency   = "efficiency"
	MetricRobustness   = "robustness"
)

// MetricSlugs lists every valid metric slug in canonical order.
var MetricSlugs = []string{
	MetricTruthfulness,
	MetricHelpfulness,
	MetricSafety,
	MetricBias,
	MetricClarity,
	MetricConsistency,
	MetricEfficiency,
	MetricRobustness,
}

// IsValidMetric reports whether slug belongs to the fixed metric set.
func IsValidMetric(slug string) bool {
	for _, known := range MetricSlugs {
		if slug == known {
			return true
		}
	}
	return false
}

// Question difficulty levels carried on the snapshot payload.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// IsValidDifficulty reports whether the difficulty level is known.
func IsValidDifficulty(level string) bool {
	return level == DifficultyEasy || level == DifficultyMedium || level == DifficultyHard
}

// MetricScore is the fixed-shape score record stored per metric slug. User
// scorers populate Reasoning, the judge populates Rationale; both shapes
// share the same struct so consumers get one explanation accessor.
type MetricScore struct {
	Score     *int   `json:"score"`
	Reasoning string `json:"reasoning,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Explanation returns whichever free-text justification the scorer provided.
func (s MetricScore) Explanation() string {
	if s.Reasoning != "" {
		return s.Reasoning
	}
	return s.Rationale
}

// ScoreMap maps metric slugs to their score records.
type ScoreMap map[string]MetricScore

// EvidenceItem is a textual span in the model answer justifying a metric
// score. Offsets index into the answer text; Verified means the quote was
// confirmed to exist in the source, HighlightAvailable means the offsets are
// trustworthy enough to render.
type EvidenceItem struct {
	Start              int    `json:"start"`
	End                int    `json:"end"`
	Quote              string `json:"quote"`
	Why                string `json:"why"`
	Better             string `json:"better,omitempty"`
	Verified           bool   `json:"verified"`
	HighlightAvailable bool   `json:"highlight_available"`
}

// EvidenceMap maps metric slugs to their evidence spans.
type EvidenceMap map[string][]EvidenceItem
