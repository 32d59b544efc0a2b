package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	coachDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evalcoach",
		Subsystem: "ai",
		Name:      "coach_stream_duration_seconds",
		Help:      "Duration of coach streaming requests",
	}, []string{"model"})

	coachFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evalcoach",
		Subsystem: "ai",
		Name:      "coach_stream_failures_total",
		Help:      "Number of failed coach streaming requests",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI coach.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAICoach implements CoachStreamer against the OpenAI chat completion
// streaming API.
type OpenAICoach struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAICoach builds a new streaming coach using the provided configuration.
func NewOpenAICoach(cfg OpenAIConfig) (*OpenAICoach, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	tracer := otel.Tracer("github.com/evalcoach/evalcoach-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	client := openai.NewClientWithConfig(config)

	return &OpenAICoach{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// StreamCoaching drives one streamed coaching reply, forwarding each text
// delta to onDelta as it arrives.
func (c *OpenAICoach) StreamCoaching(parent context.Context, input CoachInput, onDelta func(delta string) error) (CoachResult, error) {
	ctx, span := c.tracer.Start(parent, "openai.coach_stream", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
		attribute.String("primary_metric", input.PrimaryMetric),
	))
	defer span.End()

	messages := make([]openai.ChatCompletionMessage, 0, len(input.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: coachSystemPrompt(),
	})
	for _, turn := range input.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: buildCoachPrompt(input),
	})

	request := openai.ChatCompletionRequest{
		Model:         c.cfg.Model,
		MaxTokens:     c.cfg.MaxTokens,
		Temperature:   c.cfg.Temperature,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	start := time.Now()
	stream, err := c.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		coachFailures.WithLabelValues(c.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CoachResult{}, fmt.Errorf("openai coach stream: %w", err)
	}
	defer stream.Close()

	tokenCount := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			coachDuration.WithLabelValues(c.cfg.Model).Observe(time.Since(start).Seconds())
			coachFailures.WithLabelValues(c.cfg.Model).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return CoachResult{}, fmt.Errorf("openai coach recv: %w", err)
		}

		if chunk.Usage != nil {
			tokenCount = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			coachFailures.WithLabelValues(c.cfg.Model).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return CoachResult{}, err
		}
	}

	coachDuration.WithLabelValues(c.cfg.Model).Observe(time.Since(start).Seconds())
	return CoachResult{TokenCount: tokenCount, Model: c.cfg.Model}, nil
}

func coachSystemPrompt() string {
	return "You are a scoring coach for AI answer evaluation training. " +
		"The user scored a model answer against quality metrics and an automated judge scored the same answer. " +
		"Explain the gaps between the two score sets, referencing the judge's rationale and the user's reasoning. " +
		"Be concrete and encouraging, and keep replies short."
}

func buildCoachPrompt(input CoachInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Question\n")
	builder.WriteString(input.QuestionText)
	builder.WriteString("\n\n## Model Answer (")
	builder.WriteString(input.ModelName)
	builder.WriteString(")\n")
	builder.WriteString(input.AnswerText)
	builder.WriteString("\n\n## Primary Metric\n")
	builder.WriteString(input.PrimaryMetric)
	builder.WriteString("\n\n## Metrics Under Discussion\n")
	builder.WriteString(strings.Join(input.SelectedMetrics, ", "))
	builder.WriteString("\n\n## Score Gaps\n")
	for _, gap := range input.Gaps {
		builder.WriteString(fmt.Sprintf("- %s: user=%s judge=%s\n", gap.Metric, formatScore(gap.UserScore), formatScore(gap.JudgeScore)))
		if gap.UserReasoning != "" {
			builder.WriteString("  user reasoning: " + gap.UserReasoning + "\n")
		}
		if gap.JudgeRationale != "" {
			builder.WriteString("  judge rationale: " + gap.JudgeRationale + "\n")
		}
	}
	if input.OverallFeedback != "" {
		builder.WriteString("\n## Judge Overall Feedback\n")
		builder.WriteString(input.OverallFeedback)
	}
	builder.WriteString("\n\n## User Message\n")
	builder.WriteString(input.UserMessage)
	return builder.String()
}

func formatScore(score *int) string {
	if score == nil {
		return "unscored"
	}
	return fmt.Sprintf("%d", *score)
}
