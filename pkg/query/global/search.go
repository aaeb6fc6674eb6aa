// Package global answers corpus-wide questions with a map-reduce over
// batches of community reports.
package global

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// SearchConfig controls the map and reduce stages.
type SearchConfig struct {
	MaxDataTokens         int             `json:"max_data_tokens" validate:"gt=0"`
	MapParams             query.LLMParams `json:"map_llm_params"`
	ReduceParams          query.LLMParams `json:"reduce_llm_params"`
	AllowGeneralKnowledge bool            `json:"allow_general_knowledge"`
	JSONMode              bool            `json:"json_mode"`
	ConcurrentCoroutines  int             `json:"concurrent_coroutines" validate:"gt=0"`
	ResponseType          string          `json:"response_type"`
	// MapTimeout bounds the whole map stage. Calls still pending when it
	// expires count as failed batches. Zero disables it.
	MapTimeout time.Duration `json:"map_timeout"`
	// ReduceReserve is kept back from the caller's deadline for the reduce
	// call, so that a map stage running into the deadline still gets
	// reduced. It never exceeds half of the time left.
	ReduceReserve time.Duration `json:"reduce_reserve" validate:"gte=0"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxDataTokens:        12000,
		MapParams:            query.LLMParams{Temperature: 0, MaxTokens: 1000},
		ReduceParams:         query.LLMParams{Temperature: 0, MaxTokens: 2000},
		JSONMode:             true,
		ConcurrentCoroutines: 10,
		ResponseType:         "multiple paragraphs",
		ReduceReserve:        30 * time.Second,
	}
}

// Search runs global queries. It holds no per-query state and is safe for
// concurrent use.
type Search struct {
	model   ai.ChatModel
	builder query.ContextBuilder
	tok     tokenizer.Tokenizer
	cfg     SearchConfig
	tracer  query.Tracer
}

type SearchOption func(*Search)

// WithTracer records map calls and used reports.
func WithTracer(t query.Tracer) SearchOption {
	return func(s *Search) {
		s.tracer = t
	}
}

func NewSearch(
	model ai.ChatModel,
	builder query.ContextBuilder,
	tok tokenizer.Tokenizer,
	cfg SearchConfig,
	opts ...SearchOption,
) *Search {
	if cfg.ConcurrentCoroutines <= 0 {
		cfg.ConcurrentCoroutines = 1
	}
	if cfg.ResponseType == "" {
		cfg.ResponseType = "multiple paragraphs"
	}
	s := &Search{model: model, builder: builder, tok: tok, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	return s
}

type mapOutput struct {
	Points []query.Point `json:"points" jsonschema:"required"`
}

var mapSchema = ai.GenerateSchema(mapOutput{})

type mapOutcome struct {
	resp       query.MapResponse
	dispatched bool
	failed     bool
	tokens     int
}

// Search answers q from every batch the context builder produces.
func (s *Search) Search(ctx context.Context, q string, history query.ConversationHistory) (query.Result, error) {
	start := time.Now()
	if strings.TrimSpace(q) == "" {
		return query.Result{}, fmt.Errorf("%w: empty query", query.ErrInvalidRequest)
	}

	trace := query.NewQueryTrace()
	ctx = query.WithTrace(ctx, trace)
	tracer := query.TracerFor(ctx, s.tracer)

	payloads, err := s.builder.Build(ctx, q, history)
	if err != nil {
		return query.Result{}, fmt.Errorf("failed to build global context: %w", err)
	}
	for _, p := range payloads {
		if t, ok := p.Table(query.TableReports); ok {
			query.RecordUsedReportIDs(tracer, t.IDs()...)
		}
	}

	outcomes, err := s.mapStage(ctx, q, payloads)
	if err != nil {
		return query.Result{}, err
	}

	res := query.Result{
		QueryID:     util.NewID(),
		Context:     payloads,
		ContextText: query.ContextTexts(payloads),
	}
	succeeded := 0
	for _, o := range outcomes {
		res.MapResponses = append(res.MapResponses, o.resp)
		res.PromptTokens += o.tokens
		if o.dispatched {
			res.ModelCalls++
		}
		if o.failed {
			res.Failures = append(res.Failures, query.BatchFailure{Batch: o.resp.Batch, Error: o.resp.Error})
			continue
		}
		succeeded++
	}
	if len(outcomes) > 0 && succeeded == 0 {
		return query.Result{}, fmt.Errorf("%w: %d batches, last error: %s",
			query.ErrAllMapsFailed, len(outcomes), outcomes[len(outcomes)-1].resp.Error)
	}

	answer, tokens, called, err := s.reduce(ctx, q, outcomes)
	if err != nil {
		return query.Result{}, err
	}
	res.Response = answer
	res.PromptTokens += tokens
	if called {
		res.ModelCalls++
	}
	res.Elapsed = time.Since(start)
	snap := trace.Snapshot()
	res.Trace = &snap

	logger.Info("[GlobalSearch] Query answered",
		"query_id", res.QueryID,
		"batches", len(payloads),
		"failed_batches", len(res.Failures),
		"model_calls", res.ModelCalls,
		"prompt_tokens", res.PromptTokens,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// mapStage dispatches one call per payload in batch order with at most
// ConcurrentCoroutines calls in flight, then waits for all of them. The
// stage ends at MapTimeout or ReduceReserve before the caller's deadline,
// whichever comes first; only cancellation of ctx itself is an error.
func (s *Search) mapStage(ctx context.Context, q string, payloads []query.ContextPayload) ([]mapOutcome, error) {
	mapCtx := ctx
	if s.cfg.MapTimeout > 0 {
		var cancel context.CancelFunc
		mapCtx, cancel = context.WithTimeout(mapCtx, s.cfg.MapTimeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		reserve := min(s.cfg.ReduceReserve, time.Until(deadline)/2)
		var cancel context.CancelFunc
		mapCtx, cancel = context.WithDeadline(mapCtx, deadline.Add(-max(reserve, 0)))
		defer cancel()
	}

	outcomes := make([]mapOutcome, len(payloads))
	sem := semaphore.NewWeighted(int64(s.cfg.ConcurrentCoroutines))
	var g errgroup.Group

	for i, p := range payloads {
		if err := sem.Acquire(mapCtx, 1); err != nil {
			for j := i; j < len(payloads); j++ {
				outcomes[j] = mapOutcome{
					resp:   query.MapResponse{Batch: j, Error: err.Error()},
					failed: true,
				}
			}
			logger.Warn("[GlobalSearch] Map stage stopped dispatching", "pending", len(payloads)-i, "err", err)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcomes[i] = s.mapBatch(mapCtx, i, q, p)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (s *Search) mapBatch(ctx context.Context, batch int, q string, p query.ContextPayload) mapOutcome {
	start := time.Now()
	system := fmt.Sprintf(ai.MapSystemPrompt, p.Text)

	opts := append(s.cfg.MapParams.Options(), ai.WithSystemPrompts(system))
	if s.cfg.JSONMode {
		opts = append(opts, ai.WithResponseSchema("map_points", mapSchema))
	} else {
		opts = append(opts, ai.WithResponseFormat(ai.ResponseFormatJSON))
	}

	out := mapOutcome{
		resp:       query.MapResponse{Batch: batch},
		dispatched: true,
		tokens:     s.tok.Count(system) + s.tok.Count(q),
	}

	answer, err := s.model.GenerateChat(ctx, []ai.ChatMessage{{Role: ai.RoleUser, Message: q}}, opts...)
	if err != nil {
		out.failed = true
		out.resp.Error = err.Error()
		logger.Warn("[GlobalSearch] Map call failed",
			"batch", batch,
			"retries_exhausted", ai.IsRetriesExhausted(err),
			"err", err,
		)
	} else {
		out.resp.Points = parsePoints(batch, answer)
	}

	query.RecordMapCall(query.TracerFor(ctx, s.tracer), batch, len(out.resp.Points), time.Since(start).Milliseconds(), err)
	return out
}

// parsePoints reads the map answer. Malformed output yields no points.
func parsePoints(batch int, answer string) []query.Point {
	var out mapOutput
	if err := ai.UnmarshalFlexible(answer, &out); err != nil {
		logger.Warn("[GlobalSearch] Malformed map response", "batch", batch, "err", err)
		return nil
	}
	points := make([]query.Point, 0, len(out.Points))
	for _, p := range out.Points {
		if strings.TrimSpace(p.Description) == "" {
			continue
		}
		p.Score = min(max(p.Score, 0), 100)
		points = append(points, p)
	}
	return points
}

type rankedPoint struct {
	batch int
	point query.Point
}

// rankPoints drops points scored zero or less and orders the rest by score,
// keeping batch order among equal scores.
func rankPoints(outcomes []mapOutcome) []rankedPoint {
	var points []rankedPoint
	for _, o := range outcomes {
		for _, p := range o.resp.Points {
			if p.Score <= 0 {
				continue
			}
			points = append(points, rankedPoint{batch: o.resp.Batch, point: p})
		}
	}
	slices.SortStableFunc(points, func(a, b rankedPoint) int {
		switch {
		case a.point.Score > b.point.Score:
			return -1
		case a.point.Score < b.point.Score:
			return 1
		}
		return 0
	})
	return points
}

// packPoints formats ranked points into at most MaxDataTokens tokens. A
// first point that is too large on its own is cut to fit.
func (s *Search) packPoints(points []rankedPoint) string {
	var sb strings.Builder
	used := 0
	for i, rp := range points {
		text := fmt.Sprintf("----Analyst %d----\nImportance Score: %s\n%s\n\n",
			rp.batch+1, query.FormatNumber(rp.point.Score), rp.point.Description)
		n := s.tok.Count(text)
		if used+n > s.cfg.MaxDataTokens {
			if i > 0 {
				break
			}
			text, n = s.fitText(text, s.cfg.MaxDataTokens)
		}
		sb.WriteString(text)
		used += n
	}
	return sb.String()
}

// fitText cuts text until its re-counted length is within budget. A cut
// can count higher than its limit when it splits a multi-byte sequence,
// so the limit shrinks until the result fits.
func (s *Search) fitText(text string, budget int) (string, int) {
	for limit := budget; limit > 0; limit-- {
		cut := s.tok.Truncate(text, limit)
		if n := s.tok.Count(cut); n <= budget {
			return cut, n
		}
	}
	return "", 0
}

func (s *Search) reduce(ctx context.Context, q string, outcomes []mapOutcome) (string, int, bool, error) {
	points := rankPoints(outcomes)
	if len(points) == 0 && !s.cfg.AllowGeneralKnowledge {
		logger.Debug("[GlobalSearch] No points survived filtering, skipping reduce")
		return ai.NoDataAnswer, 0, false, nil
	}

	data := s.packPoints(points)
	system := fmt.Sprintf(ai.ReduceSystemPrompt, s.cfg.ResponseType, data, s.cfg.ResponseType)
	if s.cfg.AllowGeneralKnowledge {
		system += ai.GeneralKnowledgeInstruction
	}
	tokens := s.tok.Count(system) + s.tok.Count(q)

	opts := append(s.cfg.ReduceParams.Options(), ai.WithSystemPrompts(system))
	answer, err := s.model.GenerateChat(ctx, []ai.ChatMessage{{Role: ai.RoleUser, Message: q}}, opts...)
	if err != nil {
		return "", tokens, true, fmt.Errorf("%w: %w", query.ErrReduceFailed, err)
	}
	return answer, tokens, true, nil
}
