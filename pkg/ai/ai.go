package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ChatMessage represents a single message in a chat conversation.
// It is used when generating multi-turn chat completions.
//
// Role must be one of:
//   - "system"    → instructions prepended to the conversation
//   - "user"      → a user-provided message
//   - "assistant" → a message from the AI assistant
type ChatMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ResponseFormat selects how the model is asked to shape its output.
type ResponseFormat string

const (
	ResponseFormatText ResponseFormat = ""
	ResponseFormatJSON ResponseFormat = "json_object"
	// ResponseFormatJSONSchema constrains the output to GenerateOptions.Schema.
	ResponseFormatJSONSchema ResponseFormat = "json_schema"
)

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model          string         // Model identifier to use for generation
	SystemPrompts  []string       // System prompts prepended to the request
	Temperature    float64        // Sampling temperature (0.0-2.0)
	MaxTokens      int            // Upper bound on generated tokens, 0 means provider default
	ResponseFormat ResponseFormat // Plain text, a JSON object or a schema
	SchemaName     string         // Name of the schema for ResponseFormatJSONSchema
	Schema         any            // JSON schema, see GenerateSchema
	Thinking       string         // Extended thinking mode configuration
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	Requests       int     `json:"requests"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// AddMetrics returns total with m added and the throughput recomputed.
func AddMetrics(total, m ModelMetrics) ModelMetrics {
	total.InputTokens += m.InputTokens
	total.OutputTokens += m.OutputTokens
	total.TotalTokens += m.TotalTokens
	total.Requests += m.Requests
	total.DurationMs += m.DurationMs

	if total.DurationMs > 0 {
		tokensPerSecond := (float64(total.TotalTokens) * 1000.0) / float64(total.DurationMs)
		total.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
	return total
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithMaxTokens caps the number of generated tokens.
func WithMaxTokens(n int) GenerateOption {
	return func(o *GenerateOptions) {
		o.MaxTokens = n
	}
}

// WithResponseFormat asks the provider to constrain the output format.
func WithResponseFormat(f ResponseFormat) GenerateOption {
	return func(o *GenerateOptions) {
		o.ResponseFormat = f
	}
}

// WithResponseSchema asks for JSON output matching schema.
func WithResponseSchema(name string, schema any) GenerateOption {
	return func(o *GenerateOptions) {
		o.ResponseFormat = ResponseFormatJSONSchema
		o.SchemaName = name
		o.Schema = schema
	}
}

// WithThinking enables the provider's reasoning mode. OpenAI reads thinking
// as a reasoning effort ("low", "medium", "high"), Ollama passes it through
// as the think value.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// ResolveOptions applies opts on top of defaults.
func ResolveOptions(defaults GenerateOptions, opts ...GenerateOption) GenerateOptions {
	for _, o := range opts {
		o(&defaults)
	}
	return defaults
}

// ChatModel is the completion capability used by the search engines:
// messages in, text out. Implementations own their retry policy.
type ChatModel interface {
	GenerateChat(
		ctx context.Context,
		messages []ChatMessage,
		opts ...GenerateOption,
	) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}

// GraphAIClient defines the interface for AI operations used in graph querying.
// Implementations handle chat generation and embeddings and keep aggregated
// usage metrics.
type GraphAIClient interface {
	ChatModel
	Embedder

	ResetMetrics()
	GetMetrics() ModelMetrics
}

// RetriesExhaustedError is returned by model clients once every attempt of
// a request has failed. Err holds the last failure.
type RetriesExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetriesExhausted reports whether err carries a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var target *RetriesExhaustedError
	return errors.As(err, &target)
}
