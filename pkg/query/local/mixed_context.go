package local

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore"
)

// ContextConfig controls the selection and budgeting of the mixed context.
// TextUnitProp and CommunityProp are fractions of the budget left after the
// conversation history; entities, relationships and claims share the rest.
type ContextConfig struct {
	TextUnitProp                     float64 `json:"text_unit_prop" validate:"gte=0,lte=1"`
	CommunityProp                    float64 `json:"community_prop" validate:"gte=0,lte=1"`
	TopKMappedEntities               int     `json:"top_k_mapped_entities" validate:"gte=0"`
	TopKRelationships                int     `json:"top_k_relationships" validate:"gte=0"`
	ConversationHistoryMaxTurns      int     `json:"conversation_history_max_turns" validate:"gte=0"`
	ConversationHistoryUserTurnsOnly bool    `json:"conversation_history_user_turns_only"`
	IncludeEntityRank                bool    `json:"include_entity_rank"`
	RankDescription                  string  `json:"rank_description"`
	IncludeRelationshipWeight        bool    `json:"include_relationship_weight"`
	IncludeCommunityRank             bool    `json:"include_community_rank"`
	UseCommunitySummary              bool    `json:"use_community_summary"`
	IncludeClaims                    bool    `json:"include_claims"`
	MaxTokens                        int     `json:"max_tokens" validate:"gt=0"`
}

func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		TextUnitProp:                     0.5,
		CommunityProp:                    0.1,
		TopKMappedEntities:               10,
		TopKRelationships:                10,
		ConversationHistoryMaxTurns:      5,
		ConversationHistoryUserTurnsOnly: true,
		IncludeEntityRank:                true,
		RankDescription:                  "number of relationships",
		IncludeRelationshipWeight:        true,
		IncludeCommunityRank:             false,
		UseCommunitySummary:              false,
		IncludeClaims:                    true,
		MaxTokens:                        12000,
	}
}

// Budgets is the token split of one build.
type Budgets struct {
	History                  int
	Community                int
	TextUnits                int
	EntitiesAndRelationships int
}

// MixedContext assembles entities, relationships, claims, community reports
// and text units around the entities closest to the query. It is safe for
// concurrent use.
type MixedContext struct {
	snapshot *corpus.Snapshot
	embedder ai.Embedder
	store    vectorstore.Store
	tok      tokenizer.Tokenizer
	cfg      ContextConfig
	tracer   query.Tracer
}

type ContextOption func(*MixedContext)

// WithContextTracer records the records selected by every build.
func WithContextTracer(t query.Tracer) ContextOption {
	return func(c *MixedContext) {
		c.tracer = t
	}
}

func NewMixedContext(
	snapshot *corpus.Snapshot,
	embedder ai.Embedder,
	store vectorstore.Store,
	tok tokenizer.Tokenizer,
	cfg ContextConfig,
	opts ...ContextOption,
) (*MixedContext, error) {
	switch {
	case cfg.MaxTokens <= 0:
		return nil, fmt.Errorf("%w: max_tokens must be positive", query.ErrInvalidRequest)
	case cfg.TextUnitProp < 0 || cfg.CommunityProp < 0:
		return nil, fmt.Errorf("%w: budget proportions must not be negative", query.ErrInvalidRequest)
	case cfg.TextUnitProp+cfg.CommunityProp > 1:
		return nil, fmt.Errorf("%w: text_unit_prop + community_prop must not exceed 1", query.ErrInvalidRequest)
	}
	if cfg.RankDescription == "" {
		cfg.RankDescription = "rank"
	}
	c := &MixedContext{snapshot: snapshot, embedder: embedder, store: store, tok: tok, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func share(prop float64, total int) int {
	return int(math.Floor(prop*float64(total) + 1e-9))
}

// SplitBudget divides MaxTokens after the history section. Unused tokens of
// one section are never handed to another.
func (c *MixedContext) SplitBudget(historyTokens int) Budgets {
	total := max(c.cfg.MaxTokens-historyTokens, 0)
	b := Budgets{
		History:   historyTokens,
		Community: share(c.cfg.CommunityProp, total),
		TextUnits: share(c.cfg.TextUnitProp, total),
	}
	b.EntitiesAndRelationships = total - b.Community - b.TextUnits
	return b
}

// Build implements query.ContextBuilder with a single payload.
func (c *MixedContext) Build(ctx context.Context, q string, history query.ConversationHistory) ([]query.ContextPayload, error) {
	p, err := c.BuildContext(ctx, q, history)
	if err != nil {
		return nil, err
	}
	return []query.ContextPayload{p}, nil
}

// BuildContext returns the mixed context for q. Embedding and vector store
// failures are reported as query.ErrRetrieval.
func (c *MixedContext) BuildContext(ctx context.Context, q string, history query.ConversationHistory) (query.ContextPayload, error) {
	turns := history.Recent(c.cfg.ConversationHistoryMaxTurns, c.cfg.ConversationHistoryUserTurnsOnly)
	histText, histTokens, histTable := "", 0, query.Table{}
	if len(turns) > 0 {
		histText, histTokens, histTable = query.PackHistory(c.tok, turns, c.cfg.MaxTokens/2)
	}

	queryText := q
	if prefix := turns.Prefix(); prefix != "" {
		queryText = prefix + "\n" + q
	}

	selected, err := c.mapEntities(ctx, queryText)
	if err != nil {
		return query.ContextPayload{}, err
	}

	b := c.SplitBudget(histTokens)

	reports := c.packReports(selected, b.Community)
	entities := c.packEntities(selected, b.EntitiesAndRelationships)
	remaining := b.EntitiesAndRelationships - sectionTokens(entities)
	relationships := c.packRelationships(selected, remaining)
	remaining -= sectionTokens(relationships)
	var claims *query.TablePacker
	if c.cfg.IncludeClaims {
		claims = c.packClaims(selected, remaining)
	}
	sources := c.packTextUnits(selected, b.TextUnits)

	var payload query.ContextPayload
	var sb strings.Builder
	if histText != "" {
		sb.WriteString(histText)
		payload.Tokens += histTokens
		payload.Tables = append(payload.Tables, histTable)
	}
	for _, sec := range []*query.TablePacker{reports, entities, relationships, claims, sources} {
		if sec == nil || sec.Len() == 0 {
			continue
		}
		sb.WriteString(sec.Text())
		payload.Tokens += sec.Tokens()
		payload.Tables = append(payload.Tables, sec.Table())
	}
	payload.Text = sb.String()

	c.trace(query.TracerFor(ctx, c.tracer), payload)
	logger.Debug("[LocalContext] Context built",
		"selected_entities", len(selected),
		"tokens", payload.Tokens,
		"max_tokens", c.cfg.MaxTokens,
	)
	return payload, nil
}

func sectionTokens(p *query.TablePacker) int {
	if p == nil || p.Len() == 0 {
		return 0
	}
	return p.Tokens()
}

func (c *MixedContext) trace(tracer query.Tracer, p query.ContextPayload) {
	if tracer == nil {
		return
	}
	for _, t := range p.Tables {
		switch t.Name {
		case query.TableEntities:
			query.RecordQueriedEntityIDs(tracer, t.IDs()...)
		case query.TableRelationships:
			query.RecordQueriedRelationshipIDs(tracer, t.IDs()...)
		case query.TableReports:
			query.RecordUsedReportIDs(tracer, t.IDs()...)
		case query.TableSources:
			query.RecordUsedSourceIDs(tracer, t.IDs()...)
		}
	}
}

// mapEntities returns the entities closest to the query text, closest
// first. Without a query it falls back to the highest ranked entities.
func (c *MixedContext) mapEntities(ctx context.Context, text string) ([]corpus.Entity, error) {
	k := c.cfg.TopKMappedEntities
	if k <= 0 {
		return nil, nil
	}

	if strings.TrimSpace(text) == "" {
		all := slices.Clone(c.snapshot.Entities())
		slices.SortStableFunc(all, func(a, b corpus.Entity) int {
			return compareDesc(a.Rank, b.Rank)
		})
		return all[:min(k, len(all))], nil
	}

	vec, err := c.embedder.GenerateEmbedding(ctx, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %w", query.ErrRetrieval, err)
	}
	matches, err := c.store.Nearest(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: nearest entity lookup failed: %w", query.ErrRetrieval, err)
	}

	out := make([]corpus.Entity, 0, len(matches))
	for _, m := range matches {
		e, ok := c.snapshot.Entity(m.ID)
		if !ok {
			logger.Warn("[LocalContext] Vector store returned unknown entity", "id", m.ID)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func compareDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

// packRows adds rows in order and stops at the first one that does not fit.
func packRows(p *query.TablePacker, rows [][]string) *query.TablePacker {
	for _, r := range rows {
		if !p.Add(r) {
			break
		}
	}
	return p
}

func (c *MixedContext) packEntities(selected []corpus.Entity, budget int) *query.TablePacker {
	cols := []string{"id", "entity", "description"}
	if c.cfg.IncludeEntityRank {
		cols = append(cols, c.cfg.RankDescription)
	}
	rows := make([][]string, 0, len(selected))
	for _, e := range selected {
		r := []string{e.ID, e.Title, e.Description}
		if c.cfg.IncludeEntityRank {
			r = append(r, query.FormatNumber(e.Rank))
		}
		rows = append(rows, r)
	}
	return packRows(query.NewTablePacker(c.tok, query.TableEntities, "Entities", cols, budget), rows)
}

func (c *MixedContext) title(entityID string) string {
	if e, ok := c.snapshot.Entity(entityID); ok && e.Title != "" {
		return e.Title
	}
	return entityID
}

// rankRelationships keeps the top_k relationships touching any selected
// entity, strongest weight first, then by rank.
func (c *MixedContext) rankRelationships(selected []corpus.Entity) []corpus.Relationship {
	seen := make(map[string]struct{})
	var rels []corpus.Relationship
	for _, e := range selected {
		for _, r := range c.snapshot.RelationshipsOf(e.ID) {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			rels = append(rels, r)
		}
	}
	slices.SortStableFunc(rels, func(a, b corpus.Relationship) int {
		if d := compareDesc(a.Weight, b.Weight); d != 0 {
			return d
		}
		return compareDesc(a.Rank, b.Rank)
	})
	return rels[:min(c.cfg.TopKRelationships, len(rels))]
}

func (c *MixedContext) packRelationships(selected []corpus.Entity, budget int) *query.TablePacker {
	cols := []string{"id", "source", "target", "description"}
	if c.cfg.IncludeRelationshipWeight {
		cols = append(cols, "weight")
	}
	rels := c.rankRelationships(selected)
	rows := make([][]string, 0, len(rels))
	for _, r := range rels {
		row := []string{r.ID, c.title(r.SourceID), c.title(r.TargetID), r.Description}
		if c.cfg.IncludeRelationshipWeight {
			row = append(row, query.FormatNumber(r.Weight))
		}
		rows = append(rows, row)
	}
	return packRows(query.NewTablePacker(c.tok, query.TableRelationships, "Relationships", cols, budget), rows)
}

func (c *MixedContext) packClaims(selected []corpus.Entity, budget int) *query.TablePacker {
	cols := []string{"id", "entity", "type", "status", "description"}
	var rows [][]string
	for _, e := range selected {
		for _, cl := range c.snapshot.ClaimsOf(e.ID) {
			rows = append(rows, []string{cl.ID, e.Title, cl.Type, cl.Status, cl.Description})
		}
	}
	return packRows(query.NewTablePacker(c.tok, query.TableClaims, "Claims", cols, budget), rows)
}

// packReports ranks the reports of the selected entities' communities by
// report rank, then by how many selected entities they cover.
func (c *MixedContext) packReports(selected []corpus.Entity, budget int) *query.TablePacker {
	type candidate struct {
		report  corpus.CommunityReport
		matches int
	}
	var candidates []*candidate
	byID := make(map[string]*candidate)
	for _, e := range selected {
		for _, cid := range e.CommunityIDs {
			if cand, ok := byID[cid]; ok {
				cand.matches++
				continue
			}
			r, ok := c.snapshot.Report(cid)
			if !ok {
				continue
			}
			cand := &candidate{report: r, matches: 1}
			byID[cid] = cand
			candidates = append(candidates, cand)
		}
	}
	slices.SortStableFunc(candidates, func(a, b *candidate) int {
		if d := compareDesc(a.report.Rank, b.report.Rank); d != 0 {
			return d
		}
		return b.matches - a.matches
	})

	cols := []string{"id", "title", "content"}
	if c.cfg.IncludeCommunityRank {
		cols = append(cols, "rank")
	}
	rows := make([][]string, 0, len(candidates))
	for _, cand := range candidates {
		content := cand.report.Content
		if c.cfg.UseCommunitySummary {
			content = cand.report.Summary
		}
		row := []string{cand.report.CommunityID, cand.report.Title, content}
		if c.cfg.IncludeCommunityRank {
			row = append(row, query.FormatNumber(cand.report.Rank))
		}
		rows = append(rows, row)
	}
	return packRows(query.NewTablePacker(c.tok, query.TableReports, "Reports", cols, budget), rows)
}

// packTextUnits lists the text units of the selected entities in entity
// order, each unit once.
func (c *MixedContext) packTextUnits(selected []corpus.Entity, budget int) *query.TablePacker {
	seen := make(map[string]struct{})
	var rows [][]string
	for _, e := range selected {
		for _, u := range c.snapshot.TextUnitsOf(e.ID) {
			if _, ok := seen[u.ID]; ok {
				continue
			}
			seen[u.ID] = struct{}{}
			rows = append(rows, []string{u.ID, u.Text})
		}
	}
	return packRows(query.NewTablePacker(c.tok, query.TableSources, "Sources", []string{"id", "text"}, budget), rows)
}
