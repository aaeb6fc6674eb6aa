package global

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"
)

// ContextConfig controls how community reports are batched.
type ContextConfig struct {
	UseCommunitySummary      bool    `json:"use_community_summary"`
	ShuffleData              bool    `json:"shuffle_data"`
	IncludeCommunityRank     bool    `json:"include_community_rank"`
	MinCommunityRank         float64 `json:"min_community_rank"`
	IncludeCommunityWeight   bool    `json:"include_community_weight"`
	CommunityWeightName      string  `json:"community_weight_name"`
	NormalizeCommunityWeight bool    `json:"normalize_community_weight"`
	MaxTokens                int     `json:"max_tokens" validate:"gt=0"`
	ContextName              string  `json:"context_name"`

	ConversationHistoryMaxTurns      int  `json:"conversation_history_max_turns"`
	ConversationHistoryUserTurnsOnly bool `json:"conversation_history_user_turns_only"`
}

// DefaultContextConfig mirrors the defaults used by the indexing pipeline's
// query scripts.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		UseCommunitySummary:              false,
		ShuffleData:                      true,
		IncludeCommunityRank:             true,
		MinCommunityRank:                 0,
		IncludeCommunityWeight:           true,
		CommunityWeightName:              "occurrence weight",
		NormalizeCommunityWeight:         true,
		MaxTokens:                        3000,
		ContextName:                      "Reports",
		ConversationHistoryMaxTurns:      5,
		ConversationHistoryUserTurnsOnly: true,
	}
}

// CommunityContext batches the community reports of a snapshot into token
// bounded payloads for the map stage. It is safe for concurrent use.
type CommunityContext struct {
	snapshot *corpus.Snapshot
	tok      tokenizer.Tokenizer
	cfg      ContextConfig
	tracer   query.Tracer

	randMu sync.Mutex
	rand   *rand.Rand
}

type ContextOption func(*CommunityContext)

// WithRand fixes the random source used for shuffling.
func WithRand(r *rand.Rand) ContextOption {
	return func(c *CommunityContext) {
		c.rand = r
	}
}

// WithContextTracer records the considered reports of every build.
func WithContextTracer(t query.Tracer) ContextOption {
	return func(c *CommunityContext) {
		c.tracer = t
	}
}

func NewCommunityContext(
	snapshot *corpus.Snapshot,
	tok tokenizer.Tokenizer,
	cfg ContextConfig,
	opts ...ContextOption,
) (*CommunityContext, error) {
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens must be positive", query.ErrInvalidRequest)
	}
	if cfg.ContextName == "" {
		cfg.ContextName = "Reports"
	}
	if cfg.CommunityWeightName == "" {
		cfg.CommunityWeightName = "occurrence weight"
	}
	c := &CommunityContext{snapshot: snapshot, tok: tok, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type weightedReport struct {
	report corpus.CommunityReport
	weight float64
}

func (c *CommunityContext) columns() []string {
	cols := []string{"id", "title"}
	if c.cfg.IncludeCommunityWeight {
		cols = append(cols, c.cfg.CommunityWeightName)
	}
	if c.cfg.UseCommunitySummary {
		cols = append(cols, "summary")
	} else {
		cols = append(cols, "content")
	}
	if c.cfg.IncludeCommunityRank {
		cols = append(cols, "rank")
	}
	return cols
}

func (c *CommunityContext) contentColumn() int {
	if c.cfg.IncludeCommunityWeight {
		return 3
	}
	return 2
}

func (c *CommunityContext) cells(r weightedReport) []string {
	cells := []string{r.report.CommunityID, r.report.Title}
	if c.cfg.IncludeCommunityWeight {
		cells = append(cells, query.FormatNumber(r.weight))
	}
	if c.cfg.UseCommunitySummary {
		cells = append(cells, r.report.Summary)
	} else {
		cells = append(cells, r.report.Content)
	}
	if c.cfg.IncludeCommunityRank {
		cells = append(cells, query.FormatNumber(r.report.Rank))
	}
	return cells
}

// selectReports applies the rank floor and computes occurrence weights.
func (c *CommunityContext) selectReports() []weightedReport {
	var out []weightedReport
	maxWeight := 0.0
	for _, r := range c.snapshot.Reports() {
		if r.Rank < c.cfg.MinCommunityRank {
			continue
		}
		out = append(out, weightedReport{report: r, weight: r.OccurrenceWeight})
		maxWeight = max(maxWeight, r.OccurrenceWeight)
	}
	if c.cfg.IncludeCommunityWeight && c.cfg.NormalizeCommunityWeight && maxWeight > 0 {
		for i := range out {
			out[i].weight /= maxWeight
		}
	}
	return out
}

func (c *CommunityContext) order(reports []weightedReport) {
	if c.cfg.ShuffleData {
		if c.rand == nil {
			rand.Shuffle(len(reports), func(i, j int) {
				reports[i], reports[j] = reports[j], reports[i]
			})
			return
		}
		c.randMu.Lock()
		c.rand.Shuffle(len(reports), func(i, j int) {
			reports[i], reports[j] = reports[j], reports[i]
		})
		c.randMu.Unlock()
		return
	}

	slices.SortStableFunc(reports, func(a, b weightedReport) int {
		if a.report.Rank != b.report.Rank {
			if a.report.Rank > b.report.Rank {
				return -1
			}
			return 1
		}
		if c.cfg.IncludeCommunityWeight && a.weight != b.weight {
			if a.weight > b.weight {
				return -1
			}
			return 1
		}
		return 0
	})
}

// Build returns one payload per batch, in dispatch order. The query is not
// used; history, when configured, is prepended to every batch.
func (c *CommunityContext) Build(
	ctx context.Context,
	_ string,
	history query.ConversationHistory,
) ([]query.ContextPayload, error) {
	reports := c.selectReports()
	if len(reports) == 0 {
		return nil, nil
	}
	c.order(reports)

	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.report.CommunityID
	}
	query.RecordConsideredReportIDs(query.TracerFor(ctx, c.tracer), ids...)

	var histText string
	var histTokens int
	var histTable query.Table
	turns := history.Recent(c.cfg.ConversationHistoryMaxTurns, c.cfg.ConversationHistoryUserTurnsOnly)
	if len(turns) > 0 {
		histText, histTokens, histTable = query.PackHistory(c.tok, turns, c.cfg.MaxTokens/2)
	}

	budget := c.cfg.MaxTokens - histTokens
	columns := c.columns()
	newPacker := func() *query.TablePacker {
		return query.NewTablePacker(c.tok, query.TableReports, c.cfg.ContextName, columns, budget)
	}

	p := newPacker()
	if !p.HeaderFits() {
		return nil, fmt.Errorf("%w: max_tokens %d leaves no room for the report table", query.ErrInvalidRequest, c.cfg.MaxTokens)
	}

	var payloads []query.ContextPayload
	flush := func() {
		if p.Len() == 0 {
			return
		}
		payload := query.ContextPayload{
			Text:   histText + p.Text(),
			Tokens: histTokens + p.Tokens(),
		}
		if histText != "" {
			payload.Tables = append(payload.Tables, histTable)
		}
		payload.Tables = append(payload.Tables, p.Table())
		payloads = append(payloads, payload)
		p = newPacker()
	}

	for _, r := range reports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells := c.cells(r)
		if p.Add(cells) {
			continue
		}
		flush()
		if p.Add(cells) {
			continue
		}
		if !p.AddTruncated(cells, c.contentColumn()) {
			return nil, fmt.Errorf("%w: report %s does not fit into max_tokens %d", query.ErrInvalidRequest, r.report.CommunityID, c.cfg.MaxTokens)
		}
		logger.Debug("[GlobalContext] Oversized report truncated into its own batch", "community", r.report.CommunityID)
		flush()
	}
	flush()

	logger.Debug("[GlobalContext] Reports batched", "reports", len(reports), "batches", len(payloads))
	return payloads, nil
}
