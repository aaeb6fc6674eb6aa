package ollama

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"

	"github.com/ollama/ollama/api"
)

// minContextWindow is Ollama's default num_ctx. Larger prompts raise it.
const minContextWindow = 4096

// GenerateChat sends a multi-turn conversation and returns assistant text.
func (c *GraphOllamaClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ResolveOptions(ai.GenerateOptions{
		Model:       c.chatModel,
		Temperature: 0.2,
	}, opts...)

	return c.chat(ctx, "chat", messages, options)
}

func (c *GraphOllamaClient) chat(
	ctx context.Context,
	op string,
	messages []ai.ChatMessage,
	options ai.GenerateOptions,
) (string, error) {
	req, err := c.chatRequest(messages, options)
	if err != nil {
		return "", err
	}

	var final api.ChatResponse
	err = c.withRetry(ctx, op, func(ctx context.Context) error {
		final = api.ChatResponse{}
		return c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
			final.Message.Content += cr.Message.Content
			if cr.Done {
				final.Done = true
				final.Metrics = cr.Metrics
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		Requests:     1,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	return final.Message.Content, nil
}

func (c *GraphOllamaClient) chatRequest(
	messages []ai.ChatMessage,
	options ai.GenerateOptions,
) (*api.ChatRequest, error) {
	msgs := make([]api.Message, 0, len(options.SystemPrompts)+len(messages))
	promptTokens := 0
	for _, sys := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: ai.RoleSystem, Content: sys})
		promptTokens += c.tok.Count(sys)
	}
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = ai.RoleUser
		}
		msgs = append(msgs, api.Message{Role: role, Content: m.Message})
		promptTokens += c.tok.Count(m.Message)
	}

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}

	window := promptTokens + 200
	if options.MaxTokens > 0 {
		req.Options["num_predict"] = options.MaxTokens
		window += options.MaxTokens
	}
	if window > minContextWindow {
		req.Options["num_ctx"] = window
	}

	switch options.ResponseFormat {
	case ai.ResponseFormatJSON:
		req.Format = json.RawMessage(`"json"`)
	case ai.ResponseFormatJSONSchema:
		format, err := json.Marshal(options.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode response schema %q: %w", options.SchemaName, err)
		}
		req.Format = format
	}

	if options.Thinking != "" {
		req.Think = &api.ThinkValue{
			Value: options.Thinking,
		}
	}
	return req, nil
}
