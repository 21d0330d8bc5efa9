// Package genai provides GenAI-enhanced operations using OpenAI API.
//
// Its main use is the optional local scorer, which grades a feature document on the
// same criteria as the external scoring workflow.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// Default generation settings.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.1
)

var (
	ErrNoAPIKey          = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrNoScores          = errors.New("scorer reply carries no scores")
)

// ScoringPrompt instructs the model to grade a feature document.
const ScoringPrompt = `You review Gherkin feature files written by business analysts.
Score the document on each criterion from 0 (bad) to 3 (good):
- "alternative scenarios": are edge cases and alternative user paths covered?
- "given-when-then": do the scenarios follow a clean Given/When/Then structure?
- "specifications": are the steps specific, measurable and free of ambiguity?
Reply with a single JSON object with the keys "alternative scenarios", "given-when-then",
"specifications", each key followed by " justification" holding one short sentence, and
"overall" holding the sum of the three scores.`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's completion service to chatService.
type completions struct {
	svc openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
}

// NewClient creates a client. The API key falls back to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model)
	return &Client{chat: completions{svc: cli.Chat.Completions}, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// generate returns the model's reply to a system and a user prompt, optionally
// constrained to a JSON object.
func (c *Client) generate(ctx context.Context, systemPrompt, userPrompt string, jsonReply bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if jsonReply {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.generate: completion failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Score grades a feature document. An empty document is scored without calling the model.
func (c *Client) Score(ctx context.Context, feature string) (models.QualityMetrics, error) {
	if strings.TrimSpace(feature) == "" {
		zero := 0.0
		return models.QualityMetrics{
			Scores: map[models.Criterion]float64{
				models.CriterionAlternativeScenarios: 0,
				models.CriterionGivenWhenThen:        0,
				models.CriterionSpecifications:       0,
			},
			Overall: &zero,
		}, nil
	}

	reply, err := c.generate(ctx, ScoringPrompt, feature, true)
	if err != nil {
		return models.QualityMetrics{}, fmt.Errorf("failed to score feature: %w", err)
	}
	metrics, err := ParseScores(reply)
	if err != nil {
		slog.Warn("GenAI.Score: unusable scorer reply", "error", err, "length", len(reply))
		return models.QualityMetrics{}, err
	}
	slog.Debug("GenAI.Score: feature scored", "overall", metrics.OverallLabel())
	return metrics, nil
}

// ParseScores extracts metrics from a model reply, tolerating prose or code fences around
// the JSON object. Scores are clamped to the criterion range and a missing overall is
// the sum of the criterion scores.
func ParseScores(reply string) (models.QualityMetrics, error) {
	body := reply
	if !gjson.Valid(body) || !gjson.Parse(body).IsObject() {
		start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
		if start < 0 || end <= start {
			return models.QualityMetrics{}, ErrNoScores
		}
		body = reply[start : end+1]
		if !gjson.Valid(body) {
			return models.QualityMetrics{}, ErrNoScores
		}
	}

	var metrics models.QualityMetrics
	if err := json.Unmarshal([]byte(body), &metrics); err != nil {
		return models.QualityMetrics{}, fmt.Errorf("%w: %v", ErrNoScores, err)
	}
	if len(metrics.Scores) == 0 {
		return models.QualityMetrics{}, ErrNoScores
	}

	total := 0.0
	for c, v := range metrics.Scores {
		v = min(max(v, models.MinCriterionScore), models.MaxCriterionScore)
		metrics.Scores[c] = v
		total += v
	}
	if metrics.Overall == nil {
		metrics.Overall = &total
	}
	return metrics, nil
}
