// Package local answers entity-centric questions from a single mixed
// context of entities, relationships, reports, claims and source text.
package local

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

type SearchConfig struct {
	LLMParams             query.LLMParams `json:"llm_params"`
	ResponseType          string          `json:"response_type"`
	AllowGeneralKnowledge bool            `json:"allow_general_knowledge"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		LLMParams:    query.LLMParams{Temperature: 0, MaxTokens: 2000},
		ResponseType: "multiple paragraphs",
	}
}

// Search runs local queries with exactly one model call each.
type Search struct {
	model   ai.ChatModel
	builder query.ContextBuilder
	tok     tokenizer.Tokenizer
	cfg     SearchConfig
}

func NewSearch(model ai.ChatModel, builder query.ContextBuilder, tok tokenizer.Tokenizer, cfg SearchConfig) *Search {
	if cfg.ResponseType == "" {
		cfg.ResponseType = "multiple paragraphs"
	}
	return &Search{model: model, builder: builder, tok: tok, cfg: cfg}
}

func (s *Search) Search(ctx context.Context, q string, history query.ConversationHistory) (query.Result, error) {
	start := time.Now()
	if strings.TrimSpace(q) == "" {
		return query.Result{}, fmt.Errorf("%w: empty query", query.ErrInvalidRequest)
	}

	trace := query.NewQueryTrace()
	ctx = query.WithTrace(ctx, trace)

	payloads, err := s.builder.Build(ctx, q, history)
	if err != nil {
		return query.Result{}, fmt.Errorf("failed to build local context: %w", err)
	}

	snap := trace.Snapshot()
	res := query.Result{
		QueryID:     util.NewID(),
		Context:     payloads,
		ContextText: query.ContextTexts(payloads),
		Trace:       &snap,
	}

	var data strings.Builder
	empty := true
	for _, p := range payloads {
		data.WriteString(p.Text)
		if !p.Empty() {
			empty = false
		}
	}

	if empty && !s.cfg.AllowGeneralKnowledge {
		logger.Debug("[LocalSearch] No context found, returning no-data answer", "query_id", res.QueryID)
		res.Response = ai.NoDataAnswer
		res.Elapsed = time.Since(start)
		return res, nil
	}

	system := fmt.Sprintf(ai.LocalSearchSystemPrompt, s.cfg.ResponseType, data.String(), s.cfg.ResponseType)
	if s.cfg.AllowGeneralKnowledge {
		system += ai.GeneralKnowledgeInstruction
	}
	opts := append(s.cfg.LLMParams.Options(), ai.WithSystemPrompts(system))

	res.ModelCalls = 1
	res.PromptTokens = s.tok.Count(system) + s.tok.Count(q)
	answer, err := s.model.GenerateChat(ctx, []ai.ChatMessage{{Role: ai.RoleUser, Message: q}}, opts...)
	if err != nil {
		return query.Result{}, fmt.Errorf("%w: %w", query.ErrModelCall, err)
	}
	res.Response = answer
	res.Elapsed = time.Since(start)

	logger.Info("[LocalSearch] Query answered",
		"query_id", res.QueryID,
		"prompt_tokens", res.PromptTokens,
		"elapsed", res.Elapsed,
	)
	return res, nil
}
