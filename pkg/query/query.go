// Package query holds the types shared by the search engines: conversation
// history, context payloads, results and the context builder capability.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
)

var (
	// ErrRetrieval marks an embedding or vector store failure while
	// building a local context.
	ErrRetrieval = errors.New("retrieval failed")
	// ErrModelCall marks a failed single-shot model call.
	ErrModelCall = errors.New("model call failed")
	// ErrAllMapsFailed is returned when every dispatched map call failed.
	ErrAllMapsFailed = errors.New("all map calls failed")
	// ErrReduceFailed is returned when the reduce call failed.
	ErrReduceFailed = errors.New("reduce call failed")
	// ErrInvalidRequest marks a query or configuration the engines refuse.
	ErrInvalidRequest = errors.New("invalid request")
)

// ContextBuilder turns a query and optional conversation history into one
// or more token bounded context payloads. The global builder ignores the
// query and returns one payload per batch, the local builder returns exactly
// one payload.
type ContextBuilder interface {
	Build(ctx context.Context, query string, history ConversationHistory) ([]ContextPayload, error)
}

// LLMParams are the per stage model call parameters.
type LLMParams struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// Thinking is the reasoning effort passed to the provider. Empty keeps
	// reasoning off.
	Thinking string `json:"thinking,omitempty"`
}

// Options converts the parameters to generate options.
func (p LLMParams) Options() []ai.GenerateOption {
	opts := []ai.GenerateOption{ai.WithTemperature(p.Temperature)}
	if p.Model != "" {
		opts = append(opts, ai.WithModel(p.Model))
	}
	if p.MaxTokens > 0 {
		opts = append(opts, ai.WithMaxTokens(p.MaxTokens))
	}
	if p.Thinking != "" {
		opts = append(opts, ai.WithThinking(p.Thinking))
	}
	return opts
}

// Point is one scored key point produced by a map call.
type Point struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// MapResponse is the outcome of the map call for one batch. Error is set
// when the call failed; a malformed answer is a successful call with no
// points.
type MapResponse struct {
	Batch  int     `json:"batch"`
	Points []Point `json:"points"`
	Error  string  `json:"error,omitempty"`
}

// BatchFailure records a map call that did not produce a response.
type BatchFailure struct {
	Batch int    `json:"batch"`
	Error string `json:"error"`
}

// Result is the answer to one query. It is produced once and never
// modified afterwards.
type Result struct {
	QueryID      string           `json:"query_id"`
	Response     string           `json:"response"`
	Context      []ContextPayload `json:"context"`
	ContextText  []string         `json:"context_text"`
	MapResponses []MapResponse    `json:"map_responses,omitempty"`
	Failures     []BatchFailure   `json:"failures,omitempty"`
	ModelCalls   int              `json:"model_calls"`
	PromptTokens int              `json:"prompt_tokens"`
	Elapsed      time.Duration    `json:"elapsed"`
	// Trace lists the records considered and used for this query.
	Trace *QueryTraceSnapshot `json:"trace,omitempty"`
}

// ContextTexts returns the formatted text of every payload, in order.
func ContextTexts(payloads []ContextPayload) []string {
	out := make([]string, len(payloads))
	for i, p := range payloads {
		out[i] = p.Text
	}
	return out
}
