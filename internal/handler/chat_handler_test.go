package handler_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/models"
)

func turnPayload(clientMessageID string) dto.ChatTurnRequest {
	return dto.ChatTurnRequest{
		ClientMessageID: clientMessageID,
		Content:         "Why is my helpfulness score below the judge's?",
		SelectedMetrics: []string{models.MetricHelpfulness},
	}
}

func waitForCompleteReply(t *testing.T, fixture testApp, snapshotID, clientMessageID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		message, err := fixture.ledger.GetByTurn(context.Background(), snapshotID, clientMessageID, models.ChatRoleAssistant)
		return err == nil && message.IsComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatHandler_StartTurn(t *testing.T) {
	fixture := setupApp(t)
	snapshot := createSnapshot(t, fixture)

	resp, err := fixture.app.Test(jsonRequest(t, "POST", "/api/v1/snapshots/"+snapshot.ID+"/messages", turnPayload("turn-1")), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body struct {
		Success bool                 `json:"success"`
		Data    dto.ChatTurnResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.False(t, body.Data.Replayed)
	require.Equal(t, models.ChatRoleUser, body.Data.UserMessage.Role)
	require.Equal(t, models.ChatRoleAssistant, body.Data.AssistantMessage.Role)

	waitForCompleteReply(t, fixture, snapshot.ID, "turn-1")
}

func TestChatHandler_ReplayReturnsOK(t *testing.T) {
	fixture := setupApp(t)
	snapshot := createSnapshot(t, fixture)

	resp, err := fixture.app.Test(jsonRequest(t, "POST", "/api/v1/snapshots/"+snapshot.ID+"/messages", turnPayload("turn-1")), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	waitForCompleteReply(t, fixture, snapshot.ID, "turn-1")

	resp, err = fixture.app.Test(jsonRequest(t, "POST", "/api/v1/snapshots/"+snapshot.ID+"/messages", turnPayload("turn-1")), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data dto.ChatTurnResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Data.Replayed)
}

func TestChatHandler_RejectsInvalidTurn(t *testing.T) {
	fixture := setupApp(t)
	snapshot := createSnapshot(t, fixture)

	payload := turnPayload("turn-1")
	payload.SelectedMetrics = nil

	resp, err := fixture.app.Test(jsonRequest(t, "POST", "/api/v1/snapshots/"+snapshot.ID+"/messages", payload), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatHandler_History(t *testing.T) {
	fixture := setupApp(t)
	snapshot := createSnapshot(t, fixture)

	resp, err := fixture.app.Test(jsonRequest(t, "POST", "/api/v1/snapshots/"+snapshot.ID+"/messages", turnPayload("turn-1")), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	waitForCompleteReply(t, fixture, snapshot.ID, "turn-1")

	resp, err = fixture.app.Test(httptest.NewRequest("GET", "/api/v1/snapshots/"+snapshot.ID+"/messages", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data []dto.ChatMessageResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.Len(t, body.Data, 2)
	require.Equal(t, models.ChatRoleUser, body.Data[0].Role)
	require.Equal(t, models.ChatRoleAssistant, body.Data[1].Role)
}

func TestChatHandler_HistoryUnknownSnapshot(t *testing.T) {
	fixture := setupApp(t)

	resp, err := fixture.app.Test(httptest.NewRequest("GET", "/api/v1/snapshots/nope/messages", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
