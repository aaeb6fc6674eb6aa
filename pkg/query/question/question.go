// Package question proposes follow-up questions from a conversation, using
// the local mixed context of the latest question.
package question

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"
)

const DefaultCount = 5

// Result carries the parsed questions next to the usual accounting. The
// embedded Response holds the raw model output.
type Result struct {
	query.Result
	Questions []string `json:"questions"`
}

type Config struct {
	LLMParams query.LLMParams `json:"llm_params"`
}

func DefaultConfig() Config {
	return Config{LLMParams: query.LLMParams{Temperature: 0, MaxTokens: 2000}}
}

// Generator is stateless and safe for concurrent use.
type Generator struct {
	model   ai.ChatModel
	builder query.ContextBuilder
	tok     tokenizer.Tokenizer
	cfg     Config
}

func NewGenerator(model ai.ChatModel, builder query.ContextBuilder, tok tokenizer.Tokenizer, cfg Config) *Generator {
	return &Generator{model: model, builder: builder, tok: tok, cfg: cfg}
}

type generateOptions struct {
	context *query.ContextPayload
}

type GenerateOption func(*generateOptions)

// WithContextData skips the context build and uses p instead.
func WithContextData(p query.ContextPayload) GenerateOption {
	return func(o *generateOptions) {
		o.context = &p
	}
}

// Generate asks for count follow-up questions. The latest user turn of
// history is the current question; the turns before it become conversation
// context and trailing assistant replies are ignored. The returned
// questions keep the order the model produced.
func (g *Generator) Generate(
	ctx context.Context,
	history query.ConversationHistory,
	count int,
	opts ...GenerateOption,
) (Result, error) {
	start := time.Now()
	if len(history) == 0 {
		return Result{}, fmt.Errorf("%w: question history is empty", query.ErrInvalidRequest)
	}
	if count <= 0 {
		return Result{}, fmt.Errorf("%w: question count must be positive", query.ErrInvalidRequest)
	}

	var o generateOptions
	for _, opt := range opts {
		opt(&o)
	}

	last := history.LastUser()
	if last < 0 {
		return Result{}, fmt.Errorf("%w: question history has no user turn", query.ErrInvalidRequest)
	}
	current := history[last].Text
	earlier := history[:last]

	trace := query.NewQueryTrace()
	ctx = query.WithTrace(ctx, trace)

	var payloads []query.ContextPayload
	if o.context != nil {
		payloads = []query.ContextPayload{*o.context}
	} else {
		var err error
		payloads, err = g.builder.Build(ctx, current, earlier)
		if err != nil {
			return Result{}, fmt.Errorf("failed to build question context: %w", err)
		}
	}

	var data strings.Builder
	for _, p := range payloads {
		data.WriteString(p.Text)
	}
	system := fmt.Sprintf(ai.QuestionSystemPrompt, data.String(), count)

	msgs := make([]ai.ChatMessage, 0, len(history))
	for _, text := range history[:last+1].UserTexts() {
		msgs = append(msgs, ai.ChatMessage{Role: ai.RoleUser, Message: text})
	}

	promptTokens := g.tok.Count(system)
	for _, m := range msgs {
		promptTokens += g.tok.Count(m.Message)
	}

	genOpts := append(g.cfg.LLMParams.Options(), ai.WithSystemPrompts(system))
	answer, err := g.model.GenerateChat(ctx, msgs, genOpts...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", query.ErrModelCall, err)
	}

	questions := ai.ParseBulletList(answer)
	snap := trace.Snapshot()

	res := Result{
		Result: query.Result{
			QueryID:      util.NewID(),
			Response:     answer,
			Context:      payloads,
			ContextText:  query.ContextTexts(payloads),
			ModelCalls:   1,
			PromptTokens: promptTokens,
			Elapsed:      time.Since(start),
			Trace:        &snap,
		},
		Questions: questions,
	}
	logger.Info("[Questions] Generated follow-up questions",
		"query_id", res.QueryID,
		"requested", count,
		"generated", len(questions),
	)
	return res, nil
}
