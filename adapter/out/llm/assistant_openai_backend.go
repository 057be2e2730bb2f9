// Package llm implements the classifier backend port over OpenAI-compatible
// chat completion APIs.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"assistant_server/core/port/out"
	"assistant_server/pkg/apperr"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You classify one user message for a personal assistant.
Reply with strict JSON only, no prose, in this shape:
{"intent":"<intent>","confidence":<0.0-1.0>,"fields":{}}

intent is exactly one of: schedule_event, cancel_event, list_agenda,
set_reminder, add_contact, smalltalk, unknown.

fields carries extracted values as strings when present: title, day
(YYYY-MM-DD), time (HH:MM), attendees (comma separated), contact_name,
contact_number. Omit fields you cannot extract. Never invent values.`

// Config configures one backend instance. BaseURL switches the client to
// any OpenAI-compatible provider.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIBackend implements out.ClassifierBackend over one chat completion
// provider, with a circuit breaker so a flapping provider is skipped fast
// instead of burning its full timeout on every message.
type OpenAIBackend struct {
	client  *openai.Client
	name    string
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewOpenAIBackend creates a backend from config.
func NewOpenAIBackend(cfg Config, log zerolog.Logger) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	componentLog := log.With().Str("component", "backend").Str("backend", cfg.Name).Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			componentLog.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &OpenAIBackend{
		client:  openai.NewClientWithConfig(clientCfg),
		name:    cfg.Name,
		model:   model,
		timeout: timeout,
		breaker: breaker,
		log:     componentLog,
	}
}

// Name identifies the backend in verdicts and logs.
func (b *OpenAIBackend) Name() string { return b.name }

// Timeout is this backend's independent per-call budget.
func (b *OpenAIBackend) Timeout() time.Duration { return b.timeout }

// Classify asks the provider for an intent verdict on the text.
func (b *OpenAIBackend) Classify(ctx context.Context, text string) (*out.BackendResult, error) {
	raw, err := b.breaker.Execute(func() (interface{}, error) {
		return b.complete(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.ExternalError(b.name, err)
		}
		return nil, apperr.BackendFailure(b.name, err)
	}
	return raw.(*out.BackendResult), nil
}

func (b *OpenAIBackend) complete(ctx context.Context, text string) (*out.BackendResult, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	var parsed struct {
		Intent     string            `json:"intent"`
		Confidence float64           `json:"confidence"`
		Fields     map[string]string `json:"fields"`
	}
	content := cleanJSONResponse(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable verdict: %w", err)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", parsed.Confidence)
	}

	return &out.BackendResult{
		Intent:     parsed.Intent,
		Confidence: parsed.Confidence,
		Fields:     parsed.Fields,
	}, nil
}

// cleanJSONResponse strips markdown code fences some models wrap around
// JSON despite the response format hint.
func cleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
