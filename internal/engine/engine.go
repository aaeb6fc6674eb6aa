// Package engine puts the three query engines behind one submit call shared
// by the HTTP server and the queue worker.
package engine

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query/question"
)

const (
	ModeGlobal    = "global"
	ModeLocal     = "local"
	ModeQuestions = "questions"
)

type Searcher interface {
	Search(ctx context.Context, q string, history query.ConversationHistory) (query.Result, error)
}

type QuestionGenerator interface {
	Generate(
		ctx context.Context,
		history query.ConversationHistory,
		count int,
		opts ...question.GenerateOption,
	) (question.Result, error)
}

// Request is one query as submitted by a front-end.
type Request struct {
	Mode    string                    `json:"mode" validate:"required,oneof=global local questions"`
	Query   string                    `json:"query"`
	History query.ConversationHistory `json:"history" validate:"dive"`
	// Count applies to question generation; 0 means question.DefaultCount.
	Count int `json:"count" validate:"gte=0,lte=20"`
}

// Response is a query.Result plus the generated questions, if any, and the
// data references found in the answer.
type Response struct {
	query.Result
	Questions []string         `json:"questions,omitempty"`
	Citations []query.Citation `json:"citations,omitempty"`
}

type Engines struct {
	Global    Searcher
	Local     Searcher
	Questions QuestionGenerator
}

// Submit runs req on the engine its mode names.
func (e *Engines) Submit(ctx context.Context, req Request) (Response, error) {
	res, err := e.submit(ctx, req)
	if err == nil && req.Mode != ModeQuestions {
		res.Citations = query.ExtractCitations(res.Response)
	}
	return res, err
}

func (e *Engines) submit(ctx context.Context, req Request) (Response, error) {
	switch req.Mode {
	case ModeGlobal:
		res, err := e.Global.Search(ctx, req.Query, req.History)
		return Response{Result: res}, err
	case ModeLocal:
		res, err := e.Local.Search(ctx, req.Query, req.History)
		return Response{Result: res}, err
	case ModeQuestions:
		history := req.History
		if req.Query != "" {
			history = append(history[:len(history):len(history)], query.ConversationTurn{Role: "user", Text: req.Query})
		}
		count := req.Count
		if count == 0 {
			count = question.DefaultCount
		}
		res, err := e.Questions.Generate(ctx, history, count)
		return Response{Result: res.Result, Questions: res.Questions}, err
	default:
		return Response{}, fmt.Errorf("%w: unknown mode %q", query.ErrInvalidRequest, req.Mode)
	}
}
