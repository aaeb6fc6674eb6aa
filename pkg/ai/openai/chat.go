package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

// GenerateChat sends a multi-turn chat conversation to the model and
// returns the assistant's reply as plain text. System prompts from the
// options are placed before the messages.
//
// Example:
//
//	msgs := []ai.ChatMessage{
//		{Role: "user", Message: "What are the main themes?"},
//	}
//	resp, err := client.GenerateChat(ctx, msgs,
//		ai.WithSystemPrompts(system), ai.WithMaxTokens(2000))
func (c *GraphOpenAIClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ResolveOptions(ai.GenerateOptions{
		Model:       c.chatModel,
		Temperature: 0.2,
	}, opts...)

	return c.send(ctx, "chat", c.chatBody(messages, options))
}

func (c *GraphOpenAIClient) chatBody(
	messages []ai.ChatMessage,
	options ai.GenerateOptions,
) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(options.SystemPrompts)+len(messages))
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	for _, message := range messages {
		switch message.Role {
		case ai.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(message.Message))
		case ai.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(message.Message))
		default:
			msgs = append(msgs, openai.UserMessage(message.Message))
		}
	}

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}
	if options.MaxTokens > 0 {
		body.MaxCompletionTokens = openai.Int(int64(options.MaxTokens))
	}

	switch options.ResponseFormat {
	case ai.ResponseFormatJSON:
		body.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	case ai.ResponseFormatJSONSchema:
		body.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   options.SchemaName,
					Schema: options.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	if options.Thinking != "" {
		// gpt-5 models only accept a temperature of 1.0 with reasoning enabled
		if c.chatURL == "" {
			body.Temperature = openai.Float(1.0)
		}
		body.ReasoningEffort = shared.ReasoningEffort(options.Thinking)
	}

	return body
}

func (c *GraphOpenAIClient) send(
	ctx context.Context,
	op string,
	body openai.ChatCompletionNewParams,
) (string, error) {
	start := time.Now()
	response, err := withRetry(ctx, c, op, func(ctx context.Context) (*openai.ChatCompletion, error) {
		res, err := c.ChatClient.Chat.Completions.New(ctx, body)
		if err != nil {
			logger.Debug("[OpenAI] request failed", "op", op, "model", body.Model, "err", err)
			return nil, err
		}
		if len(res.Choices) == 0 {
			return nil, fmt.Errorf("no choices in response from model")
		}
		return res, nil
	})
	if err != nil {
		return "", err
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
		TotalTokens:  int(response.Usage.TotalTokens),
		Requests:     1,
		DurationMs:   time.Since(start).Milliseconds(),
	})

	choice := response.Choices[0]
	if choice.Message.Content == "" && body.ResponseFormat.OfJSONSchema != nil {
		return "", fmt.Errorf("empty response from model (finish_reason: %s)", choice.FinishReason)
	}
	return choice.Message.Content, nil
}
