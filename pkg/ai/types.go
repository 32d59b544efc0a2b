package ai

import "context"

// MetricGap summarises one metric's user/judge disagreement for the coach
// prompt. Nil scores mean the metric was left unscored on that side.
type MetricGap struct {
	Metric         string
	UserScore      *int
	JudgeScore     *int
	UserReasoning  string
	JudgeRationale string
}

// HistoryTurn is one prior message replayed into the coach context.
type HistoryTurn struct {
	Role    string
	Content string
}

// CoachInput carries the frozen evaluation context plus the user's question
// for one coaching turn.
type CoachInput struct {
	QuestionText    string
	AnswerText      string
	ModelName       string
	PrimaryMetric   string
	SelectedMetrics []string
	Gaps            []MetricGap
	OverallFeedback string
	History         []HistoryTurn
	UserMessage     string
}

// CoachResult is the terminal summary of a finished stream.
type CoachResult struct {
	TokenCount int
	Model      string
}

// CoachStreamer produces a coaching reply as a lazy, finite sequence of text
// fragments. Each fragment is handed to onDelta as it arrives; a non-nil
// error from onDelta aborts the stream. The result is only valid when the
// returned error is nil.
type CoachStreamer interface {
	StreamCoaching(ctx context.Context, input CoachInput, onDelta func(delta string) error) (CoachResult, error)
}
