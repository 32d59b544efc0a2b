package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Snapshot status values. Transitions only move forward: active may become
// completed or archived, completed may become archived, archived is terminal.
const (
	SnapshotStatusActive    = "active"
	SnapshotStatusCompleted = "completed"
	SnapshotStatusArchived  = "archived"
)

// IsValidSnapshotStatus reports whether the status value is known.
func IsValidSnapshotStatus(status string) bool {
	return status == SnapshotStatusActive || status == SnapshotStatusCompleted || status == SnapshotStatusArchived
}

// CanTransitionStatus reports whether a snapshot may move from one status to
// another. Archived never transitions out.
func CanTransitionStatus(from, to string) bool {
	switch from {
	case SnapshotStatusActive:
		return to == SnapshotStatusCompleted || to == SnapshotStatusArchived
	case SnapshotStatusCompleted:
		return to == SnapshotStatusArchived
	default:
		return false
	}
}

// DefaultMaxChatTurns is the per-snapshot coaching turn budget applied at
// creation when the caller does not override it.
const DefaultMaxChatTurns = 15

// Snapshot freezes one judged evaluation into an immutable record that stays
// queryable independently of the live evaluation tables. Only Status,
// DeletedAt, ChatTurnCount and UpdatedAt mutate after creation; the payload
// columns are written once.
type Snapshot struct {
	ID             string `gorm:"size:64;primaryKey" json:"id"`
	QuestionText   string `gorm:"type:text;not null" json:"question_text"`
	AnswerText     string `gorm:"type:text;not null" json:"answer_text"`
	ModelName      string `gorm:"size:160" json:"model_name"`
	JudgeModelName string `gorm:"size:160" json:"judge_model_name"`
	PrimaryMetric  string `gorm:"size:32;not null;index" json:"primary_metric"`
	Category       string `gorm:"size:120" json:"category"`
	Difficulty     string `gorm:"size:16" json:"difficulty"`

	BonusMetricsRaw datatypes.JSON `gorm:"column:bonus_metrics;type:json" json:"-"`
	UserScoresRaw   datatypes.JSON `gorm:"column:user_scores;type:json" json:"-"`
	JudgeScoresRaw  datatypes.JSON `gorm:"column:judge_scores;type:json" json:"-"`
	EvidenceRaw     datatypes.JSON `gorm:"column:evidence;type:json" json:"-"`

	JudgeMetaScore  int     `gorm:"not null" json:"judge_meta_score"`
	WeightedGap     float64 `gorm:"not null" json:"weighted_gap"`
	OverallFeedback string  `gorm:"type:text" json:"overall_feedback"`

	// References to the originating evaluation rows are informational only,
	// no foreign keys: the snapshot survives deletion of its sources.
	EvaluationRef      string `gorm:"size:64" json:"evaluation_ref"`
	JudgeEvaluationRef string `gorm:"size:64" json:"judge_evaluation_ref"`

	Status        string     `gorm:"size:16;not null;default:'active';index" json:"status"`
	DeletedAt     *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	ChatTurnCount int        `gorm:"not null;default:0" json:"chat_turn_count"`
	MaxChatTurns  int        `gorm:"not null;default:15" json:"max_chat_turns"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Messages []ChatMessage `gorm:"foreignKey:SnapshotID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsDeleted reports whether the snapshot has been soft deleted.
func (s Snapshot) IsDeleted() bool {
	return s.DeletedAt != nil
}

// SetBonusMetrics serializes the bonus metric slugs into the JSON column.
func (s *Snapshot) SetBonusMetrics(slugs []string) {
	s.BonusMetricsRaw = marshalJSONColumn(slugs, "[]")
}

// BonusMetricList deserializes the stored bonus metric slugs.
func (s Snapshot) BonusMetricList() []string {
	if len(s.BonusMetricsRaw) == 0 {
		return nil
	}
	var slugs []string
	if err := json.Unmarshal(s.BonusMetricsRaw, &slugs); err != nil {
		return nil
	}
	return slugs
}

// SetUserScores serializes the user score map into the JSON column.
func (s *Snapshot) SetUserScores(scores ScoreMap) {
	s.UserScoresRaw = marshalJSONColumn(scores, "{}")
}

// UserScoreMap deserializes the stored user scores.
func (s Snapshot) UserScoreMap() ScoreMap {
	return unmarshalScoreColumn(s.UserScoresRaw)
}

// SetJudgeScores serializes the judge score map into the JSON column.
func (s *Snapshot) SetJudgeScores(scores ScoreMap) {
	s.JudgeScoresRaw = marshalJSONColumn(scores, "{}")
}

// JudgeScoreMap deserializes the stored judge scores.
func (s Snapshot) JudgeScoreMap() ScoreMap {
	return unmarshalScoreColumn(s.JudgeScoresRaw)
}

// SetEvidence serializes the evidence map. A nil map is stored as NULL and
// means the judge has not computed evidence yet; an empty map is stored as
// {} and means evidence was computed with zero items.
func (s *Snapshot) SetEvidence(evidence EvidenceMap) {
	if evidence == nil {
		s.EvidenceRaw = nil
		return
	}
	s.EvidenceRaw = marshalJSONColumn(evidence, "{}")
}

// EvidenceComputed reports whether an evidence map was ever stored,
// distinguishing "not computed yet" from "computed, zero items".
func (s Snapshot) EvidenceComputed() bool {
	return len(s.EvidenceRaw) > 0
}

// EvidenceByMetric deserializes the stored evidence map. Returns nil when
// evidence was never computed.
func (s Snapshot) EvidenceByMetric() EvidenceMap {
	if len(s.EvidenceRaw) == 0 {
		return nil
	}
	var evidence EvidenceMap
	if err := json.Unmarshal(s.EvidenceRaw, &evidence); err != nil {
		return nil
	}
	return evidence
}

// ScoredMetrics returns the slugs present in both score maps, the set a
// coaching turn may select from.
func (s Snapshot) ScoredMetrics() []string {
	user := s.UserScoreMap()
	judge := s.JudgeScoreMap()
	slugs := make([]string, 0, len(user))
	for _, slug := range MetricSlugs {
		_, scoredByUser := user[slug]
		_, scoredByJudge := judge[slug]
		if scoredByUser && scoredByJudge {
			slugs = append(slugs, slug)
		}
	}
	return slugs
}

func marshalJSONColumn(value interface{}, fallback string) datatypes.JSON {
	data, err := json.Marshal(value)
	if err != nil {
		return datatypes.JSON([]byte(fallback))
	}
	return datatypes.JSON(data)
}

func unmarshalScoreColumn(raw datatypes.JSON) ScoreMap {
	if len(raw) == 0 {
		return nil
	}
	var scores ScoreMap
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil
	}
	return scores
}
