package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/repository"
	"github.com/evalcoach/evalcoach-api/pkg/ai"
)

// scriptedStreamer plays back one scripted attempt per StreamCoaching call:
// its deltas are delivered in order and the attempt error, if any, is
// returned after them.
type scriptedStreamer struct {
	mu       sync.Mutex
	attempts []scriptedAttempt
	calls    int
}

type scriptedAttempt struct {
	deltas []string
	err    error
}

func (s *scriptedStreamer) StreamCoaching(_ context.Context, _ ai.CoachInput, onDelta func(delta string) error) (ai.CoachResult, error) {
	s.mu.Lock()
	index := s.calls
	s.calls++
	s.mu.Unlock()

	if index >= len(s.attempts) {
		return ai.CoachResult{}, fmt.Errorf("unexpected streaming attempt %d", index)
	}

	attempt := s.attempts[index]
	tokens := 0
	for _, delta := range attempt.deltas {
		if err := onDelta(delta); err != nil {
			return ai.CoachResult{}, err
		}
		tokens++
	}
	if attempt.err != nil {
		return ai.CoachResult{}, attempt.err
	}
	return ai.CoachResult{TokenCount: tokens, Model: "scripted"}, nil
}

func (s *scriptedStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type coachFixture struct {
	service   CoachService
	snapshots repository.SnapshotRepository
	ledger    repository.ChatMessageRepository
	streamer  *scriptedStreamer
}

func newCoachFixture(t *testing.T, attempts ...scriptedAttempt) coachFixture {
	t.Helper()

	db := setupServiceDB(t)
	snapshots := repository.NewSnapshotRepository(db)
	ledger := repository.NewChatMessageRepository(db)
	streamer := &scriptedStreamer{attempts: attempts}
	validate := validator.New(validator.WithRequiredStructEnabled())

	svc := NewCoachService(snapshots, ledger, streamer, nil, "", nil, validate, zerolog.Nop())
	return coachFixture{service: svc, snapshots: snapshots, ledger: ledger, streamer: streamer}
}

func turnRequest(clientMessageID string) dto.ChatTurnRequest {
	return dto.ChatTurnRequest{
		ClientMessageID: clientMessageID,
		Content:         "Why did the judge score truthfulness higher than I did?",
		SelectedMetrics: []string{models.MetricTruthfulness},
	}
}

func waitForAssistant(t *testing.T, fixture coachFixture, snapshotID, clientMessageID string) models.ChatMessage {
	t.Helper()

	var assistant models.ChatMessage
	require.Eventually(t, func() bool {
		message, err := fixture.ledger.GetByTurn(context.Background(), snapshotID, clientMessageID, models.ChatRoleAssistant)
		if err != nil || !message.IsComplete {
			return false
		}
		assistant = message
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return assistant
}

func TestCoachTurnStreamsAssistantReply(t *testing.T) {
	fixture := newCoachFixture(t, scriptedAttempt{deltas: []string{"Focus on ", "the caveat."}})
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())
	ctx := context.Background()

	turn, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	require.False(t, turn.Replayed)
	require.True(t, turn.UserMessage.IsComplete)
	require.Equal(t, []string{models.MetricTruthfulness}, turn.UserMessage.SelectedMetrics)

	assistant := waitForAssistant(t, fixture, snapshot.ID, "turn-1")
	require.Equal(t, "Focus on the caveat.", assistant.Content)
	require.Equal(t, 2, assistant.TokenCount)

	updated, err := fixture.snapshots.Get(ctx, snapshot.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ChatTurnCount)
}

func TestCoachTurnReplayDoesNotDoubleIncrement(t *testing.T) {
	fixture := newCoachFixture(t, scriptedAttempt{deltas: []string{"Short answer."}})
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())
	ctx := context.Background()

	first, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	waitForAssistant(t, fixture, snapshot.ID, "turn-1")

	second, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.UserMessage.ID, second.UserMessage.ID)
	require.True(t, second.AssistantMessage.IsComplete)

	updated, err := fixture.snapshots.Get(ctx, snapshot.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ChatTurnCount)
	require.Equal(t, 1, fixture.streamer.callCount())
}

func TestCoachTurnBudgetEnforced(t *testing.T) {
	fixture := newCoachFixture(t, scriptedAttempt{deltas: []string{"One."}})
	ctx := context.Background()

	limited := models.Snapshot{
		ID:            uuid.NewString(),
		QuestionText:  "q",
		AnswerText:    "a",
		PrimaryMetric: models.MetricTruthfulness,
		Status:        models.SnapshotStatusActive,
		MaxChatTurns:  1,
	}
	limited.SetUserScores(models.ScoreMap{models.MetricTruthfulness: {Score: intPtr(3)}})
	limited.SetJudgeScores(models.ScoreMap{models.MetricTruthfulness: {Score: intPtr(4)}})
	require.NoError(t, fixture.snapshots.Create(ctx, &limited))

	_, err := fixture.service.StartTurn(ctx, limited.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	waitForAssistant(t, fixture, limited.ID, "turn-1")

	_, err = fixture.service.StartTurn(ctx, limited.ID, turnRequest("turn-2"))
	require.ErrorIs(t, err, apperr.ErrTurnLimitExceeded)

	// A replay of the admitted turn still succeeds at the limit.
	replay, err := fixture.service.StartTurn(ctx, limited.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)
}

func TestCoachTurnRejectsUnscoredMetric(t *testing.T) {
	fixture := newCoachFixture(t)
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())

	req := turnRequest("turn-1")
	req.SelectedMetrics = []string{models.MetricRobustness}

	_, err := fixture.service.StartTurn(context.Background(), snapshot.ID, req)
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Equal(t, 0, fixture.streamer.callCount())
}

func TestCoachStreamFailureLeavesResumablePartial(t *testing.T) {
	fixture := newCoachFixture(t,
		scriptedAttempt{deltas: []string{"Let me "}, err: fmt.Errorf("upstream reset")},
		scriptedAttempt{deltas: []string{"think again."}},
	)
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())
	ctx := context.Background()

	_, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)

	// The failed attempt leaves a persisted, incomplete partial.
	require.Eventually(t, func() bool {
		if fixture.streamer.callCount() != 1 {
			return false
		}
		message, err := fixture.ledger.GetByTurn(ctx, snapshot.ID, "turn-1", models.ChatRoleAssistant)
		return err == nil && !message.IsComplete && message.Content == "Let me "
	}, 2*time.Second, 10*time.Millisecond)

	// Replaying the turn restarts generation and appends to the partial.
	replay, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)

	assistant := waitForAssistant(t, fixture, snapshot.ID, "turn-1")
	require.Equal(t, "Let me think again.", assistant.Content)

	updated, err := fixture.snapshots.Get(ctx, snapshot.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ChatTurnCount)
}

func TestCoachStreamAttachReplaysCompletedReply(t *testing.T) {
	fixture := newCoachFixture(t, scriptedAttempt{deltas: []string{"Complete ", "answer."}})
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())
	ctx := context.Background()

	_, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	waitForAssistant(t, fixture, snapshot.ID, "turn-1")

	initial, events, cancel, err := fixture.service.Stream(ctx, snapshot.ID, "turn-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, dto.StreamEventSnapshot, initial.Type)
	require.Equal(t, "Complete answer.", initial.Content)
	require.True(t, initial.IsComplete)

	_, open := <-events
	require.False(t, open)
}

func TestCoachStreamAttachUnknownTurn(t *testing.T) {
	fixture := newCoachFixture(t)
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())

	_, _, _, err := fixture.service.Stream(context.Background(), snapshot.ID, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCoachHistoryOrdersUserBeforeAssistant(t *testing.T) {
	fixture := newCoachFixture(t, scriptedAttempt{deltas: []string{"Reply."}})
	snapshot := seedSnapshot(t, fixture.snapshots, models.MetricTruthfulness, 1.4, 4, time.Now().UTC())
	ctx := context.Background()

	_, err := fixture.service.StartTurn(ctx, snapshot.ID, turnRequest("turn-1"))
	require.NoError(t, err)
	waitForAssistant(t, fixture, snapshot.ID, "turn-1")

	history, err := fixture.service.History(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.ChatRoleUser, history[0].Role)
	require.Equal(t, models.ChatRoleAssistant, history[1].Role)
}
