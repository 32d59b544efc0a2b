package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/evalcoach/evalcoach-api/internal/apperr"
	"github.com/evalcoach/evalcoach-api/internal/dto"
	"github.com/evalcoach/evalcoach-api/internal/middleware"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/observability"
	"github.com/evalcoach/evalcoach-api/internal/repository"
	"github.com/evalcoach/evalcoach-api/pkg/ai"
)

const maxSelectedMetrics = 3

// CoachService orchestrates coaching turns: admission against the snapshot's
// turn budget, idempotent ledger writes, and driving the streamed assistant
// reply. One turn for a given snapshot runs at a time; turns on different
// snapshots are independent.
type CoachService interface {
	StartTurn(ctx context.Context, snapshotID string, req dto.ChatTurnRequest) (dto.ChatTurnResponse, error)
	History(ctx context.Context, snapshotID string) ([]dto.ChatMessageResponse, error)
	// Stream attaches to an assistant message. It returns a snapshot event
	// with the content accumulated so far, then a channel delivering only new
	// events. The channel is closed after the done event. The cancel func
	// must be called when the consumer goes away.
	Stream(ctx context.Context, snapshotID, clientMessageID string) (dto.StreamEvent, <-chan dto.StreamEvent, func(), error)
	Start(ctx context.Context)
}

type coachService struct {
	snapshots repository.SnapshotRepository
	ledger    repository.ChatMessageRepository
	streamer  ai.CoachStreamer
	redis     *redis.Client
	redisChan string
	nats      *nats.Conn
	natsSubj  string
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	hub       *streamHub
	nodeID    string

	locksMu   sync.Mutex
	turnLocks map[string]*sync.Mutex

	activeMu sync.Mutex
	active   map[string]struct{}
}

// streamEnvelope wraps a stream event for cross-replica fan-out.
type streamEnvelope struct {
	Source    string          `json:"source"`
	MessageID string          `json:"message_id"`
	Event     dto.StreamEvent `json:"event"`
}

// NewCoachService creates the coaching session controller. redisClient and
// natsConn are optional; without them fan-out stays process-local.
func NewCoachService(
	snapshots repository.SnapshotRepository,
	ledger repository.ChatMessageRepository,
	streamer ai.CoachStreamer,
	redisClient *redis.Client,
	channelBase string,
	natsConn *nats.Conn,
	validate *validator.Validate,
	logger zerolog.Logger,
) CoachService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	redisChan := ""
	natsSubj := ""
	if channelBase != "" {
		redisChan = channelBase + ":coach:stream"
		natsSubj = strings.ReplaceAll(channelBase, ":", ".") + ".coach.stream"
	}

	return &coachService{
		snapshots: snapshots,
		ledger:    ledger,
		streamer:  streamer,
		redis:     redisClient,
		redisChan: redisChan,
		nats:      natsConn,
		natsSubj:  natsSubj,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "coach_service").Logger(),
		tracer:    otel.Tracer("github.com/evalcoach/evalcoach-api/internal/service/coach"),
		hub:       newStreamHub(logger),
		nodeID:    uuid.NewString(),
		turnLocks: make(map[string]*sync.Mutex),
		active:    make(map[string]struct{}),
	}
}

func (s *coachService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChan != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubj != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *coachService) StartTurn(ctx context.Context, snapshotID string, req dto.ChatTurnRequest) (dto.ChatTurnResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatTurnResponse{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	// Serialize turn admission per snapshot. Different snapshots proceed in
	// parallel; the conditional counter update below stays the cross-process
	// authority.
	lock := s.snapshotLock(snapshotID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := s.snapshots.Get(ctx, snapshotID, false)
	if err != nil {
		return dto.ChatTurnResponse{}, mapRepositoryError(err, snapshotID)
	}

	if err := validateSelectedMetrics(req.SelectedMetrics, snapshot); err != nil {
		return dto.ChatTurnResponse{}, err
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if content == "" {
		return dto.ChatTurnResponse{}, apperr.Validationf("message content empty after sanitization")
	}

	// Replay of an existing turn never re-increments and never re-checks the
	// budget; the turn was already admitted.
	if existing, err := s.ledger.GetByTurn(ctx, snapshotID, req.ClientMessageID, models.ChatRoleUser); err == nil {
		return s.replayTurn(ctx, snapshot, existing)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.ChatTurnResponse{}, apperr.Storage(err)
	}

	if snapshot.ChatTurnCount >= snapshot.MaxChatTurns {
		return dto.ChatTurnResponse{}, apperr.ErrTurnLimitExceeded
	}

	userMessage := &models.ChatMessage{
		ID:              uuid.NewString(),
		SnapshotID:      snapshotID,
		ClientMessageID: req.ClientMessageID,
		Role:            models.ChatRoleUser,
		Content:         content,
		IsComplete:      true,
	}
	userMessage.SetSelectedMetrics(req.SelectedMetrics)

	storedUser, created, err := s.ledger.InsertIdempotent(ctx, userMessage)
	if err != nil {
		return dto.ChatTurnResponse{}, apperr.Storage(err)
	}

	if created {
		if err := s.snapshots.ReserveTurn(ctx, snapshotID); err != nil {
			if errors.Is(err, apperr.ErrTurnLimitExceeded) {
				return dto.ChatTurnResponse{}, err
			}
			return dto.ChatTurnResponse{}, mapRepositoryError(err, snapshotID)
		}
		observability.CoachTurnsStarted().Inc()
	} else {
		observability.CoachTurnsReplayed().Inc()
	}

	assistant, err := s.ensureAssistant(ctx, snapshot, storedUser)
	if err != nil {
		return dto.ChatTurnResponse{}, err
	}

	return dto.ChatTurnResponse{
		UserMessage:      dto.NewChatMessageResponse(storedUser),
		AssistantMessage: dto.NewChatMessageResponse(assistant),
		Replayed:         !created,
	}, nil
}

// replayTurn serves an idempotent retry: it returns the stored pair and, if
// the assistant reply was interrupted, restarts its producer.
func (s *coachService) replayTurn(ctx context.Context, snapshot models.Snapshot, user models.ChatMessage) (dto.ChatTurnResponse, error) {
	observability.CoachTurnsReplayed().Inc()

	assistant, err := s.ensureAssistant(ctx, snapshot, user)
	if err != nil {
		return dto.ChatTurnResponse{}, err
	}

	return dto.ChatTurnResponse{
		UserMessage:      dto.NewChatMessageResponse(user),
		AssistantMessage: dto.NewChatMessageResponse(assistant),
		Replayed:         true,
	}, nil
}

// ensureAssistant begins the assistant half of the turn if it does not exist
// yet, and guarantees a producer is running whenever the reply is incomplete.
func (s *coachService) ensureAssistant(ctx context.Context, snapshot models.Snapshot, user models.ChatMessage) (models.ChatMessage, error) {
	assistant := &models.ChatMessage{
		ID:              uuid.NewString(),
		SnapshotID:      snapshot.ID,
		ClientMessageID: user.ClientMessageID,
		Role:            models.ChatRoleAssistant,
	}

	stored, _, err := s.ledger.InsertIdempotent(ctx, assistant)
	if err != nil {
		return models.ChatMessage{}, apperr.Storage(err)
	}

	if !stored.IsComplete {
		s.startProducer(ctx, snapshot, user, stored)
	}

	return stored, nil
}

// startProducer launches the streaming goroutine for an assistant message
// unless one is already running in this process. The goroutine outlives the
// request; a client disconnect does not cancel generation.
func (s *coachService) startProducer(reqCtx context.Context, snapshot models.Snapshot, user, assistant models.ChatMessage) {
	s.activeMu.Lock()
	if _, running := s.active[assistant.ID]; running {
		s.activeMu.Unlock()
		return
	}
	s.active[assistant.ID] = struct{}{}
	s.activeMu.Unlock()

	correlation := middleware.CorrelationIDFromContext(reqCtx)
	streamKey := assistant.ID

	go func() {
		defer func() {
			s.activeMu.Lock()
			delete(s.active, assistant.ID)
			s.activeMu.Unlock()
		}()

		ctx := middleware.ContextWithCorrelation(context.Background(), correlation)
		ctx, span := s.tracer.Start(ctx, "coach.turn", trace.WithAttributes(
			attribute.String("snapshot_id", snapshot.ID),
			attribute.String("client_message_id", user.ClientMessageID),
		))
		defer span.End()

		history, err := s.ledger.History(ctx, snapshot.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("snapshot_id", snapshot.ID).Msg("failed to load history for coach turn")
			observability.StreamFailures().Inc()
			span.RecordError(err)
			return
		}

		seq := assistant.TokenCount
		input := buildCoachInput(snapshot, history, user)

		result, err := s.streamer.StreamCoaching(ctx, input, func(delta string) error {
			if err := s.ledger.AppendChunk(ctx, assistant.ID, delta); err != nil {
				return err
			}
			seq++
			s.emit(ctx, streamKey, dto.StreamEvent{Type: dto.StreamEventDelta, Delta: delta, Seq: seq})
			observability.StreamChunks().Inc()
			return nil
		})
		if err != nil {
			// The partial content stays persisted and resumable; the turn
			// counter is not rolled back.
			s.logger.Error().Err(err).Str("snapshot_id", snapshot.ID).Str("message_id", assistant.ID).Msg("coach stream failed, leaving partial reply")
			observability.StreamFailures().Inc()
			span.RecordError(err)
			return
		}

		tokenCount := result.TokenCount
		if tokenCount == 0 {
			tokenCount = seq
		}
		if err := s.ledger.Finalize(ctx, assistant.ID, tokenCount); err != nil {
			s.logger.Error().Err(err).Str("message_id", assistant.ID).Msg("failed to finalize coach reply")
			observability.StreamFailures().Inc()
			span.RecordError(err)
			return
		}

		s.emit(ctx, streamKey, dto.StreamEvent{Type: dto.StreamEventDone, IsComplete: true, TokenCount: tokenCount})
		observability.CoachTurnsCompleted().Inc()
	}()
}

func (s *coachService) History(ctx context.Context, snapshotID string) ([]dto.ChatMessageResponse, error) {
	if _, err := s.snapshots.Get(ctx, snapshotID, true); err != nil {
		return nil, mapRepositoryError(err, snapshotID)
	}

	messages, err := s.ledger.History(ctx, snapshotID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return dto.NewChatMessageResponseSlice(messages), nil
}

func (s *coachService) Stream(ctx context.Context, snapshotID, clientMessageID string) (dto.StreamEvent, <-chan dto.StreamEvent, func(), error) {
	located, err := s.ledger.GetByTurn(ctx, snapshotID, clientMessageID, models.ChatRoleAssistant)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.StreamEvent{}, nil, nil, apperr.NotFoundf("assistant message for turn %s", clientMessageID)
		}
		return dto.StreamEvent{}, nil, nil, apperr.Storage(err)
	}

	// Subscribe before re-reading the record so no chunk lands between the
	// snapshot frame and the live feed; Seq filtering drops the overlap.
	ch := s.hub.subscribe(located.ID)

	message, err := s.ledger.Get(ctx, located.ID)
	if err != nil {
		s.hub.unsubscribe(located.ID, ch)
		return dto.StreamEvent{}, nil, nil, apperr.Storage(err)
	}

	initial := dto.StreamEvent{
		Type:       dto.StreamEventSnapshot,
		Content:    message.Content,
		IsComplete: message.IsComplete,
		TokenCount: message.TokenCount,
	}

	observability.StreamConnections().Inc()

	if message.IsComplete {
		s.hub.unsubscribe(located.ID, ch)
		closed := make(chan dto.StreamEvent)
		close(closed)
		return initial, closed, func() {}, nil
	}

	out := make(chan dto.StreamEvent, streamSendBufferSize)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.hub.unsubscribe(located.ID, ch)
			close(stop)
		})
	}

	baseline := message.TokenCount
	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case event := <-ch:
				if event.Type == dto.StreamEventDelta && event.Seq <= baseline {
					continue
				}
				select {
				case out <- event:
				case <-stop:
					return
				}
				if event.Type == dto.StreamEventDone {
					cancel()
					return
				}
			}
		}
	}()

	return initial, out, cancel, nil
}

// emit fans an event out locally and to peer replicas.
func (s *coachService) emit(ctx context.Context, messageID string, event dto.StreamEvent) {
	s.hub.broadcast(messageID, event)

	if (s.redis == nil || s.redisChan == "") && (s.nats == nil || s.natsSubj == "") {
		return
	}

	payload, err := json.Marshal(streamEnvelope{Source: s.nodeID, MessageID: messageID, Event: event})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal stream envelope")
		return
	}

	if s.redis != nil && s.redisChan != "" {
		if err := s.redis.Publish(ctx, s.redisChan, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish stream event to redis")
		}
	}
	if s.nats != nil && s.natsSubj != "" {
		if err := s.nats.Publish(s.natsSubj, payload); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish stream event to nats")
		}
	}
}

func (s *coachService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChan)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("stream redis subscription closed")
			return
		}
		s.handleEnvelope([]byte(msg.Payload))
	}
}

func (s *coachService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubj, "evalcoach-stream", func(msg *nats.Msg) {
		s.handleEnvelope(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats stream subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain nats stream subscription")
		}
	}()
}

func (s *coachService) handleEnvelope(data []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid stream envelope")
		return
	}
	if envelope.Source == s.nodeID {
		return
	}
	s.hub.broadcast(envelope.MessageID, envelope.Event)
}

func (s *coachService) snapshotLock(snapshotID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.turnLocks[snapshotID]
	if !ok {
		lock = &sync.Mutex{}
		s.turnLocks[snapshotID] = lock
	}
	return lock
}

func validateSelectedMetrics(selected []string, snapshot models.Snapshot) error {
	if len(selected) == 0 {
		return apperr.Validationf("at least one metric must be selected")
	}
	if len(selected) > maxSelectedMetrics {
		return apperr.Validationf("at most %d metrics may be selected", maxSelectedMetrics)
	}

	scored := make(map[string]bool)
	for _, slug := range snapshot.ScoredMetrics() {
		scored[slug] = true
	}

	seen := make(map[string]bool, len(selected))
	for _, slug := range selected {
		if !models.IsValidMetric(slug) {
			return apperr.Validationf("unknown metric %q", slug)
		}
		if seen[slug] {
			return apperr.Validationf("duplicate metric %q", slug)
		}
		seen[slug] = true
		if !scored[slug] {
			return apperr.Validationf("metric %q was not scored on this snapshot", slug)
		}
	}
	return nil
}

// buildCoachInput assembles the frozen evaluation context plus conversation
// history for the token producer, excluding the in-flight turn itself.
func buildCoachInput(snapshot models.Snapshot, history []models.ChatMessage, user models.ChatMessage) ai.CoachInput {
	userScores := snapshot.UserScoreMap()
	judgeScores := snapshot.JudgeScoreMap()
	selected := user.SelectedMetricList()

	gaps := make([]ai.MetricGap, 0, len(selected))
	for _, slug := range selected {
		userScore := userScores[slug]
		judgeScore := judgeScores[slug]
		gaps = append(gaps, ai.MetricGap{
			Metric:         slug,
			UserScore:      userScore.Score,
			JudgeScore:     judgeScore.Score,
			UserReasoning:  userScore.Explanation(),
			JudgeRationale: judgeScore.Explanation(),
		})
	}

	turns := make([]ai.HistoryTurn, 0, len(history))
	for _, message := range history {
		if message.ClientMessageID == user.ClientMessageID {
			continue
		}
		if !message.IsComplete {
			continue
		}
		turns = append(turns, ai.HistoryTurn{Role: message.Role, Content: message.Content})
	}

	return ai.CoachInput{
		QuestionText:    snapshot.QuestionText,
		AnswerText:      snapshot.AnswerText,
		ModelName:       snapshot.ModelName,
		PrimaryMetric:   snapshot.PrimaryMetric,
		SelectedMetrics: selected,
		Gaps:            gaps,
		OverallFeedback: snapshot.OverallFeedback,
		History:         turns,
		UserMessage:     user.Content,
	}
}
