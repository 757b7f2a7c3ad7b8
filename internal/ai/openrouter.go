// Package ai asks an OpenRouter chat model to pull structured events out of
// page text. Its output is raw field maps for normalize.FromFields.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openrouter "github.com/revrost/go-openrouter"
	"github.com/revrost/go-openrouter/jsonschema"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// DefaultSystemPrompt instructs the model how to answer.
const DefaultSystemPrompt = `You extract upcoming events from the text of an event-listing web page.
Return only events that are explicitly listed. Copy dates exactly as written on the page.
Leave fields empty when the page does not state them. Never invent events.`

const defaultMaxChars = 24000

// ErrEmptyResponse is returned when the model answers with no choices.
var ErrEmptyResponse = errors.New("empty AI response")

// ChatCompleter is the subset of *openrouter.Client the extractor uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openrouter.ChatCompletionRequest) (openrouter.ChatCompletionResponse, error)
}

// Config controls the model call.
type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string
	// MaxChars truncates page text before it is sent.
	MaxChars int
}

// Extractor implements crawler.AIExtractor over OpenRouter.
type Extractor struct {
	client ChatCompleter
	cfg    Config
	retry  crawler.RetryPolicy
	pauser crawler.Pauser
	logger *zap.Logger
}

type listing struct {
	Events []listedEvent `json:"events" description:"Events found on the page"`
}

type listedEvent struct {
	Title       string   `json:"title" description:"Event name"`
	Date        string   `json:"date" description:"Date and time text exactly as shown"`
	Venue       string   `json:"venue" description:"Club or venue name"`
	TicketLink  string   `json:"ticket_link" description:"Absolute ticket URL"`
	Price       string   `json:"price" description:"Price text"`
	MusicStyle  []string `json:"music_style" description:"Genres"`
	Lineup      []string `json:"lineup" description:"Performers"`
	Description string   `json:"description" description:"Short summary"`
}

// NewClient builds the OpenRouter client from cfg. A missing key is fatal.
func NewClient(cfg Config) (*openrouter.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &crawler.FatalError{Reason: "ai.api_key is required for AI extraction"}
	}
	return openrouter.NewClient(cfg.APIKey), nil
}

// New wraps client. A nil retry policy means a single attempt.
func New(client ChatCompleter, cfg Config, retry crawler.RetryPolicy, pauser crawler.Pauser, logger *zap.Logger) (*Extractor, error) {
	if client == nil {
		return nil, &crawler.FatalError{Reason: "ai client is required"}
	}
	if cfg.Model == "" {
		return nil, &crawler.FatalError{Reason: "ai.model is required"}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicyWith(1, 0, 0)
	}
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{client: client, cfg: cfg, retry: retry, pauser: pauser, logger: logger.Named("ai")}, nil
}

// ExtractEvents sends the page text and returns one field map per event.
func (e *Extractor) ExtractEvents(ctx context.Context, pageURL string, text string, prompt string) ([]map[string]any, error) {
	schema, err := jsonschema.GenerateSchemaForType(listing{})
	if err != nil {
		return nil, fmt.Errorf("generate response schema: %w", err)
	}

	request := openrouter.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openrouter.ChatCompletionMessage{
			openrouter.SystemMessage(e.cfg.SystemPrompt),
			openrouter.UserMessage(userMessage(pageURL, truncate(text, e.cfg.MaxChars), prompt)),
		},
		ResponseFormat: &openrouter.ChatCompletionResponseFormat{
			Type: "json_schema",
			JSONSchema: &openrouter.ChatCompletionResponseFormatJSONSchema{
				Name:   "eventListing",
				Strict: true,
				Schema: schema,
			},
		},
	}

	resp, err := e.complete(ctx, request)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	cleaned := cleanJSONResponse(resp.Choices[0].Message.Content.Text)
	var parsed struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		e.logger.Warn("unparsable AI response", zap.String("url", pageURL), zap.String("response", truncate(cleaned, 512)))
		return nil, fmt.Errorf("unmarshal AI response: %w", err)
	}
	e.logger.Debug("AI extraction complete", zap.String("url", pageURL), zap.Int("events", len(parsed.Events)))
	return parsed.Events, nil
}

func (e *Extractor) complete(ctx context.Context, request openrouter.ChatCompletionRequest) (openrouter.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts(); attempt++ {
		if attempt > 0 {
			if err := e.pauser.Pause(ctx, e.retry.Backoff(attempt-1)); err != nil {
				return openrouter.ChatCompletionResponse{}, err //nolint:wrapcheck
			}
		}
		resp, err := e.client.CreateChatCompletion(ctx, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		e.logger.Warn("AI completion failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return openrouter.ChatCompletionResponse{}, fmt.Errorf("AI completion failed: %w", lastErr)
}

func userMessage(pageURL, text, prompt string) string {
	var b strings.Builder
	b.WriteString("Page URL: ")
	b.WriteString(pageURL)
	b.WriteString("\n")
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		b.WriteString("Instructions: ")
		b.WriteString(prompt)
		b.WriteString("\n")
	}
	b.WriteString("\nPage text:\n")
	b.WriteString(text)
	return b.String()
}

// retryable matches rate limits and dropped connections; the client does not
// expose status codes in a stable type.
func retryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// cleanJSONResponse strips markdown fences and any prose around the first
// top-level JSON object.
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	if after, ok := strings.CutPrefix(response, "```json"); ok {
		response = after
	} else if after, ok := strings.CutPrefix(response, "```"); ok {
		response = after
	}
	response = strings.TrimSpace(response)

	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response
}
