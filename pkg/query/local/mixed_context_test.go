package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/testutil"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/tokenizer"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureSnapshot(t *testing.T) *corpus.Snapshot {
	t.Helper()
	snap, err := corpus.NewSnapshot(corpus.AllLevels, corpus.Tables{
		Entities: []corpus.Entity{
			{ID: "e1", Title: "ALICE", Description: "a person", Rank: 3, CommunityIDs: []string{"c1"}, Embedding: []float32{1, 0, 0}},
			{ID: "e2", Title: "BOB", Description: "another person", Rank: 2, CommunityIDs: []string{"c1", "c2"}, Embedding: []float32{0.8, 0.2, 0}},
			{ID: "e3", Title: "ACME", Description: "a company", Rank: 5, CommunityIDs: []string{"c2"}, Embedding: []float32{0, 1, 0}},
			{ID: "e4", Title: "ZED", Description: "unrelated", Rank: 1, CommunityIDs: []string{"c3"}, Embedding: []float32{0, 0, 1}},
		},
		Relationships: []corpus.Relationship{
			{ID: "r1", SourceID: "e1", TargetID: "e2", Description: "knows", Weight: 1, Rank: 5},
			{ID: "r2", SourceID: "e2", TargetID: "e3", Description: "works at", Weight: 3, Rank: 1},
			{ID: "r3", SourceID: "e1", TargetID: "e3", Description: "founded", Weight: 3, Rank: 4},
			{ID: "r4", SourceID: "e4", TargetID: "e3", Description: "competes", Weight: 9, Rank: 9},
		},
		Reports: []corpus.CommunityReport{
			{CommunityID: "c2", Title: "Work", Summary: "work summary", Content: "work content", Rank: 5},
			{CommunityID: "c1", Title: "People", Summary: "people summary", Content: "people content", Rank: 5},
			{CommunityID: "c3", Title: "Other", Summary: "other summary", Content: "other content", Rank: 9},
		},
		TextUnits: []corpus.TextUnit{
			{ID: "t1", Text: "Alice met Bob.", EntityIDs: []string{"e1", "e2"}},
			{ID: "t2", Text: "Bob works at Acme.", EntityIDs: []string{"e2", "e3"}},
			{ID: "t3", Text: "Acme is big.", EntityIDs: []string{"e3"}},
			{ID: "t4", Text: "Zed is alone.", EntityIDs: []string{"e4"}},
		},
		Claims: []corpus.Claim{
			{ID: "k1", SubjectID: "e1", Type: "FOUNDER", Status: "TRUE", Description: "Alice founded Acme"},
			{ID: "k2", SubjectID: "e4", Type: "OTHER", Status: "FALSE", Description: "not selected"},
		},
	})
	require.NoError(t, err)
	return snap
}

func newBuilder(t *testing.T, snap *corpus.Snapshot, emb *testutil.Embedder, cfg ContextConfig) *MixedContext {
	t.Helper()
	idx, err := memory.FromEntities(snap.Entities())
	require.NoError(t, err)
	b, err := NewMixedContext(snap, emb, idx, testutil.WordTokenizer{}, cfg)
	require.NoError(t, err)
	return b
}

func fixtureConfig() ContextConfig {
	cfg := DefaultContextConfig()
	cfg.TopKMappedEntities = 2
	cfg.TopKRelationships = 2
	cfg.MaxTokens = 1000
	return cfg
}

func aliceEmbedder() *testutil.Embedder {
	return &testutil.Embedder{
		Vectors: map[string][]float32{"who is alice": {1, 0, 0}},
		Default: []float32{0, 0, 1},
	}
}

func tableIDs(t *testing.T, p query.ContextPayload, name string) []string {
	t.Helper()
	tbl, ok := p.Table(name)
	if !ok {
		return nil
	}
	return tbl.IDs()
}

func TestBuildContext_Selection(t *testing.T) {
	b := newBuilder(t, fixtureSnapshot(t), aliceEmbedder(), fixtureConfig())

	p, err := b.BuildContext(context.Background(), "who is alice", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2"}, tableIDs(t, p, query.TableEntities))
	assert.Equal(t, []string{"r3", "r2"}, tableIDs(t, p, query.TableRelationships), "weight first, then rank")
	assert.Equal(t, []string{"c1", "c2"}, tableIDs(t, p, query.TableReports), "equal rank, more matches first")
	assert.Equal(t, []string{"t1", "t2"}, tableIDs(t, p, query.TableSources))
	assert.Equal(t, []string{"k1"}, tableIDs(t, p, query.TableClaims))

	rels, _ := p.Table(query.TableRelationships)
	assert.Equal(t, []string{"r3", "ALICE", "ACME", "founded", "3"}, rels.Rows[0])

	var order []string
	for _, tbl := range p.Tables {
		order = append(order, tbl.Name)
	}
	assert.Equal(t, []string{
		query.TableReports, query.TableEntities, query.TableRelationships, query.TableClaims, query.TableSources,
	}, order)
	assert.Contains(t, p.Text, "-----Entities-----\nid|entity|description|number of relationships\ne1|ALICE|a person|3\n")
	assert.False(t, p.Empty())
}

func TestBuildContext_ClosestEntityIsIncluded(t *testing.T) {
	snap := fixtureSnapshot(t)
	for _, e := range snap.Entities() {
		t.Run(e.ID, func(t *testing.T) {
			cfg := fixtureConfig()
			cfg.TopKMappedEntities = 1
			emb := &testutil.Embedder{Default: e.Embedding}
			b := newBuilder(t, snap, emb, cfg)

			p, err := b.BuildContext(context.Background(), "anything", nil)
			require.NoError(t, err)
			assert.Contains(t, tableIDs(t, p, query.TableEntities), e.ID)
		})
	}
}

func TestSplitBudget(t *testing.T) {
	cfg := DefaultContextConfig()
	cfg.MaxTokens = 1000
	b := newBuilder(t, fixtureSnapshot(t), aliceEmbedder(), cfg)

	assert.Equal(t, Budgets{Community: 100, TextUnits: 500, EntitiesAndRelationships: 400}, b.SplitBudget(0))
	assert.Equal(t, Budgets{History: 200, Community: 80, TextUnits: 400, EntitiesAndRelationships: 320}, b.SplitBudget(200))
}

// countTable recounts a table the way it was formatted.
func countTable(tok tokenizer.Tokenizer, label string, tbl query.Table) int {
	n := tok.Count("-----"+label+"-----\n"+strings.Join(tbl.Columns, "|")+"\n") + tok.Count("\n")
	for _, r := range tbl.Rows {
		n += tok.Count(strings.Join(r, "|") + "\n")
	}
	return n
}

func crowdedSnapshot(t *testing.T, n int, withReports bool) *corpus.Snapshot {
	t.Helper()
	var tables corpus.Tables
	for i := range n {
		id := fmt.Sprintf("e%02d", i)
		cid := fmt.Sprintf("c%02d", i)
		tables.Entities = append(tables.Entities, corpus.Entity{
			ID: id, Title: strings.ToUpper(id), Description: testutil.Words("desc", 12),
			Rank: float64(n - i), CommunityIDs: []string{cid}, Embedding: []float32{1, float32(i) / 100},
		})
		if withReports {
			tables.Reports = append(tables.Reports, corpus.CommunityReport{
				CommunityID: cid, Title: cid, Content: testutil.Words("report", 8), Rank: float64(i),
			})
		}
		tables.TextUnits = append(tables.TextUnits, corpus.TextUnit{
			ID: fmt.Sprintf("t%02d", i), Text: testutil.Words("text", 15), EntityIDs: []string{id},
		})
		if i > 0 {
			tables.Relationships = append(tables.Relationships, corpus.Relationship{
				ID: fmt.Sprintf("r%02d", i), SourceID: "e00", TargetID: id,
				Description: testutil.Words("rel", 6), Weight: float64(i), Rank: 1,
			})
		}
	}
	snap, err := corpus.NewSnapshot(corpus.AllLevels, tables)
	require.NoError(t, err)
	return snap
}

func TestBuildContext_SectionsStayWithinSubBudgets(t *testing.T) {
	tok := testutil.WordTokenizer{}
	snap := crowdedSnapshot(t, 30, true)

	for _, maxTokens := range []int{150, 400, 1000} {
		t.Run(fmt.Sprint(maxTokens), func(t *testing.T) {
			cfg := DefaultContextConfig()
			cfg.TopKMappedEntities = 30
			cfg.TopKRelationships = 30
			cfg.MaxTokens = maxTokens
			b := newBuilder(t, snap, &testutil.Embedder{Default: []float32{1, 0}}, cfg)

			history := query.ConversationHistory{{Role: "user", Text: "earlier question about things"}}
			p, err := b.BuildContext(context.Background(), "q", history)
			require.NoError(t, err)

			hist, ok := p.Table(query.TableHistory)
			require.True(t, ok)
			budgets := b.SplitBudget(countTable(tok, "Conversation History", hist))

			labels := map[string]string{
				query.TableReports: "Reports", query.TableEntities: "Entities",
				query.TableRelationships: "Relationships", query.TableClaims: "Claims", query.TableSources: "Sources",
			}
			used := map[string]int{}
			for _, tbl := range p.Tables {
				if tbl.Name == query.TableHistory {
					continue
				}
				used[tbl.Name] = countTable(tok, labels[tbl.Name], tbl)
			}

			assert.LessOrEqual(t, used[query.TableReports], budgets.Community)
			assert.LessOrEqual(t, used[query.TableSources], budgets.TextUnits)
			assert.LessOrEqual(t,
				used[query.TableEntities]+used[query.TableRelationships]+used[query.TableClaims],
				budgets.EntitiesAndRelationships)
			assert.LessOrEqual(t, tok.Count(p.Text), maxTokens)
			assert.LessOrEqual(t, p.Tokens, maxTokens)
		})
	}
}

func TestBuildContext_BudgetHoldsForNonAdditiveTokenizer(t *testing.T) {
	tok := testutil.SplitTokenizer{}
	snap := crowdedSnapshot(t, 30, true)
	idx, err := memory.FromEntities(snap.Entities())
	require.NoError(t, err)

	for _, maxTokens := range []int{200, 400, 1000} {
		t.Run(fmt.Sprint(maxTokens), func(t *testing.T) {
			cfg := DefaultContextConfig()
			cfg.TopKMappedEntities = 30
			cfg.TopKRelationships = 30
			cfg.MaxTokens = maxTokens
			b, err := NewMixedContext(snap, &testutil.Embedder{Default: []float32{1, 0}}, idx, tok, cfg)
			require.NoError(t, err)

			history := query.ConversationHistory{{Role: "user", Text: "earlier question about things"}}
			p, err := b.BuildContext(context.Background(), "q", history)
			require.NoError(t, err)

			assert.NotEmpty(t, p.Text)
			assert.LessOrEqual(t, tok.Count(p.Text), p.Tokens)
			assert.LessOrEqual(t, p.Tokens, maxTokens)
		})
	}
}

func TestBuildContext_NoRollover(t *testing.T) {
	cfg := DefaultContextConfig()
	cfg.TopKMappedEntities = 30
	cfg.TopKRelationships = 30
	cfg.CommunityProp = 0.3
	cfg.MaxTokens = 200

	build := func(withReports bool) query.ContextPayload {
		b := newBuilder(t, crowdedSnapshot(t, 30, withReports), &testutil.Embedder{Default: []float32{1, 0}}, cfg)
		p, err := b.BuildContext(context.Background(), "q", nil)
		require.NoError(t, err)
		return p
	}
	withReports := build(true)
	withoutReports := build(false)

	require.NotEmpty(t, tableIDs(t, withReports, query.TableReports))
	assert.Empty(t, tableIDs(t, withoutReports, query.TableReports))
	assert.Equal(t, tableIDs(t, withReports, query.TableEntities), tableIDs(t, withoutReports, query.TableEntities),
		"unused report budget is not handed to entities")
	assert.Equal(t, tableIDs(t, withReports, query.TableRelationships), tableIDs(t, withoutReports, query.TableRelationships))
	assert.Equal(t, tableIDs(t, withReports, query.TableSources), tableIDs(t, withoutReports, query.TableSources))
}

func TestBuildContext_HistoryIsPrependedToEmbeddingText(t *testing.T) {
	emb := aliceEmbedder()
	b := newBuilder(t, fixtureSnapshot(t), emb, fixtureConfig())

	history := query.ConversationHistory{
		{Role: "user", Text: "tell me about acme"},
		{Role: "assistant", Text: "acme is a company"},
	}
	p, err := b.BuildContext(context.Background(), "who is alice", history)
	require.NoError(t, err)

	require.Equal(t, []string{"tell me about acme\nwho is alice"}, emb.Inputs())
	hist, ok := p.Table(query.TableHistory)
	require.True(t, ok)
	assert.Equal(t, [][]string{{"user", "tell me about acme"}}, hist.Rows)
	assert.True(t, strings.HasPrefix(p.Text, "-----Conversation History-----"))
	assert.False(t, p.Empty())
}

func TestBuildContext_EmptyQueryFallsBackToRank(t *testing.T) {
	emb := aliceEmbedder()
	b := newBuilder(t, fixtureSnapshot(t), emb, fixtureConfig())

	p, err := b.BuildContext(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1"}, tableIDs(t, p, query.TableEntities))
	assert.Empty(t, emb.Inputs())
}

func TestBuildContext_RetrievalErrors(t *testing.T) {
	emb := &testutil.Embedder{Err: errors.New("embedding service down")}
	b := newBuilder(t, fixtureSnapshot(t), emb, fixtureConfig())

	_, err := b.BuildContext(context.Background(), "who is alice", nil)
	require.ErrorIs(t, err, query.ErrRetrieval)

	dimMismatch := &testutil.Embedder{Default: []float32{1, 0}}
	b = newBuilder(t, fixtureSnapshot(t), dimMismatch, fixtureConfig())
	_, err = b.BuildContext(context.Background(), "who is alice", nil)
	require.ErrorIs(t, err, query.ErrRetrieval)
}

func TestBuildContext_OptionalColumnsAndClaims(t *testing.T) {
	cfg := fixtureConfig()
	cfg.IncludeEntityRank = false
	cfg.IncludeRelationshipWeight = false
	cfg.IncludeCommunityRank = true
	cfg.UseCommunitySummary = true
	cfg.IncludeClaims = false
	b := newBuilder(t, fixtureSnapshot(t), aliceEmbedder(), cfg)

	p, err := b.BuildContext(context.Background(), "who is alice", nil)
	require.NoError(t, err)

	ents, _ := p.Table(query.TableEntities)
	assert.Equal(t, []string{"id", "entity", "description"}, ents.Columns)
	rels, _ := p.Table(query.TableRelationships)
	assert.Equal(t, []string{"id", "source", "target", "description"}, rels.Columns)
	reps, _ := p.Table(query.TableReports)
	assert.Equal(t, []string{"c1", "People", "people summary", "5"}, reps.Rows[0])
	_, ok := p.Table(query.TableClaims)
	assert.False(t, ok)
}

func TestNewMixedContext_Validation(t *testing.T) {
	snap := fixtureSnapshot(t)
	tests := []struct {
		name   string
		mutate func(*ContextConfig)
	}{
		{"ZeroMaxTokens", func(c *ContextConfig) { c.MaxTokens = 0 }},
		{"NegativeProp", func(c *ContextConfig) { c.TextUnitProp = -0.1 }},
		{"PropsAboveOne", func(c *ContextConfig) { c.TextUnitProp, c.CommunityProp = 0.7, 0.4 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultContextConfig()
			tc.mutate(&cfg)
			_, err := NewMixedContext(snap, aliceEmbedder(), nil, testutil.WordTokenizer{}, cfg)
			require.ErrorIs(t, err, query.ErrInvalidRequest)
		})
	}
}
