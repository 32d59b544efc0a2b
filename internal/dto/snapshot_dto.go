package dto

import (
	"time"

	"github.com/evalcoach/evalcoach-api/internal/highlight"
	"github.com/evalcoach/evalcoach-api/internal/models"
)

// ListMeta carries limit/offset pagination metadata for list responses.
type ListMeta struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

// SnapshotCreateRequest is the judged-evaluation payload frozen into a
// snapshot. Everything here is immutable after creation.
type SnapshotCreateRequest struct {
	QuestionText       string             `json:"question_text" validate:"required"`
	AnswerText         string             `json:"answer_text" validate:"required"`
	ModelName          string             `json:"model_name" validate:"omitempty,max=160"`
	JudgeModelName     string             `json:"judge_model_name" validate:"omitempty,max=160"`
	PrimaryMetric      string             `json:"primary_metric" validate:"required"`
	BonusMetrics       []string           `json:"bonus_metrics" validate:"max=2"`
	Category           string             `json:"category" validate:"omitempty,max=120"`
	Difficulty         string             `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	UserScores         models.ScoreMap    `json:"user_scores" validate:"required"`
	JudgeScores        models.ScoreMap    `json:"judge_scores" validate:"required"`
	Evidence           models.EvidenceMap `json:"evidence"`
	JudgeMetaScore     int                `json:"judge_meta_score" validate:"required,min=1,max=5"`
	OverallFeedback    string             `json:"overall_feedback"`
	EvaluationRef      string             `json:"evaluation_ref" validate:"omitempty,max=64"`
	JudgeEvaluationRef string             `json:"judge_evaluation_ref" validate:"omitempty,max=64"`
	MaxChatTurns       int                `json:"max_chat_turns" validate:"omitempty,min=1,max=100"`
}

// SnapshotListRequest narrows and pages a snapshot listing.
type SnapshotListRequest struct {
	Status         string `validate:"omitempty,oneof=active completed archived"`
	PrimaryMetric  string `validate:"omitempty"`
	IncludeDeleted bool
	Limit          int `validate:"omitempty,min=1,max=100"`
	Offset         int `validate:"omitempty,min=0"`
}

// SnapshotResponse is the full read model of a snapshot.
type SnapshotResponse struct {
	ID                 string             `json:"id"`
	QuestionText       string             `json:"question_text"`
	AnswerText         string             `json:"answer_text"`
	ModelName          string             `json:"model_name"`
	JudgeModelName     string             `json:"judge_model_name"`
	PrimaryMetric      string             `json:"primary_metric"`
	BonusMetrics       []string           `json:"bonus_metrics"`
	Category           string             `json:"category"`
	Difficulty         string             `json:"difficulty"`
	UserScores         models.ScoreMap    `json:"user_scores"`
	JudgeScores        models.ScoreMap    `json:"judge_scores"`
	Evidence           models.EvidenceMap `json:"evidence,omitempty"`
	EvidenceAvailable  bool               `json:"evidence_available"`
	JudgeMetaScore     int                `json:"judge_meta_score"`
	WeightedGap        float64            `json:"weighted_gap"`
	OverallFeedback    string             `json:"overall_feedback"`
	EvaluationRef      string             `json:"evaluation_ref"`
	JudgeEvaluationRef string             `json:"judge_evaluation_ref"`
	Status             string             `json:"status"`
	DeletedAt          *time.Time         `json:"deleted_at,omitempty"`
	ChatTurnCount      int                `json:"chat_turn_count"`
	MaxChatTurns       int                `json:"max_chat_turns"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewSnapshotResponse maps a snapshot model onto its read model.
func NewSnapshotResponse(snapshot models.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:                 snapshot.ID,
		QuestionText:       snapshot.QuestionText,
		AnswerText:         snapshot.AnswerText,
		ModelName:          snapshot.ModelName,
		JudgeModelName:     snapshot.JudgeModelName,
		PrimaryMetric:      snapshot.PrimaryMetric,
		BonusMetrics:       snapshot.BonusMetricList(),
		Category:           snapshot.Category,
		Difficulty:         snapshot.Difficulty,
		UserScores:         snapshot.UserScoreMap(),
		JudgeScores:        snapshot.JudgeScoreMap(),
		Evidence:           snapshot.EvidenceByMetric(),
		EvidenceAvailable:  snapshot.EvidenceComputed(),
		JudgeMetaScore:     snapshot.JudgeMetaScore,
		WeightedGap:        snapshot.WeightedGap,
		OverallFeedback:    snapshot.OverallFeedback,
		EvaluationRef:      snapshot.EvaluationRef,
		JudgeEvaluationRef: snapshot.JudgeEvaluationRef,
		Status:             snapshot.Status,
		DeletedAt:          snapshot.DeletedAt,
		ChatTurnCount:      snapshot.ChatTurnCount,
		MaxChatTurns:       snapshot.MaxChatTurns,
		CreatedAt:          snapshot.CreatedAt,
		UpdatedAt:          snapshot.UpdatedAt,
	}
}

// NewSnapshotResponseSlice maps a page of snapshots.
func NewSnapshotResponseSlice(snapshots []models.Snapshot) []SnapshotResponse {
	responses := make([]SnapshotResponse, 0, len(snapshots))
	for _, snapshot := range snapshots {
		responses = append(responses, NewSnapshotResponse(snapshot))
	}
	return responses
}

// MetricHighlights carries the resolved highlight segments for one metric's
// evidence against the snapshot's answer text.
type MetricHighlights struct {
	Metric   string              `json:"metric"`
	Segments []highlight.Segment `json:"segments"`
}

// SnapshotListResponse is a page of snapshots plus pagination metadata.
type SnapshotListResponse struct {
	Items      []SnapshotResponse `json:"items"`
	Pagination ListMeta           `json:"pagination"`
}
