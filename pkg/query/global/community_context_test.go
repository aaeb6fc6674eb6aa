package global

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/testutil"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(t *testing.T, reports ...corpus.CommunityReport) *corpus.Snapshot {
	t.Helper()
	snap, err := corpus.NewSnapshot(corpus.AllLevels, corpus.Tables{Reports: reports})
	require.NoError(t, err)
	return snap
}

func plainConfig(maxTokens int) ContextConfig {
	cfg := DefaultContextConfig()
	cfg.ShuffleData = false
	cfg.IncludeCommunityWeight = false
	cfg.MaxTokens = maxTokens
	return cfg
}

func batchIDs(payloads []query.ContextPayload) [][]string {
	var out [][]string
	for _, p := range payloads {
		tbl, _ := p.Table(query.TableReports)
		out = append(out, tbl.IDs())
	}
	return out
}

func TestBuild_ThreeReportsExample(t *testing.T) {
	// Each row is 50 words; the header adds 2.
	snap := snapshotOf(t,
		corpus.CommunityReport{CommunityID: "C", Title: "c", Content: testutil.Words("gamma", 50), Rank: 1},
		corpus.CommunityReport{CommunityID: "A", Title: "a", Content: testutil.Words("alpha", 50), Rank: 9},
		corpus.CommunityReport{CommunityID: "B", Title: "b", Content: testutil.Words("beta", 50), Rank: 5},
	)
	b, err := NewCommunityContext(snap, testutil.WordTokenizer{}, plainConfig(120))
	require.NoError(t, err)

	payloads, err := b.Build(context.Background(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, batchIDs(payloads))
	assert.Equal(t, 102, payloads[0].Tokens)
	assert.Equal(t, 52, payloads[1].Tokens)
}

func TestBuild_EmptyInput(t *testing.T) {
	b, err := NewCommunityContext(snapshotOf(t), testutil.WordTokenizer{}, plainConfig(100))
	require.NoError(t, err)

	payloads, err := b.Build(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func randomReports(n int, seed uint64) []corpus.CommunityReport {
	r := rand.New(rand.NewPCG(seed, seed))
	reports := make([]corpus.CommunityReport, n)
	for i := range reports {
		reports[i] = corpus.CommunityReport{
			CommunityID: fmt.Sprintf("c%d", i),
			Title:       fmt.Sprintf("title %d", i),
			Content:     testutil.Words("w", 1+r.IntN(60)),
			Rank:        float64(r.IntN(10)),
		}
	}
	return reports
}

func TestBuild_BudgetAndCompleteness(t *testing.T) {
	tok := testutil.WordTokenizer{}
	for _, shuffle := range []bool{false, true} {
		t.Run(fmt.Sprintf("shuffle=%v", shuffle), func(t *testing.T) {
			snap := snapshotOf(t, randomReports(40, 7)...)
			cfg := DefaultContextConfig()
			cfg.ShuffleData = shuffle
			cfg.MaxTokens = 150

			b, err := NewCommunityContext(snap, tok, cfg)
			require.NoError(t, err)
			payloads, err := b.Build(context.Background(), "", nil)
			require.NoError(t, err)

			seen := map[string]int{}
			for _, p := range payloads {
				assert.LessOrEqual(t, tok.Count(p.Text), cfg.MaxTokens)
				assert.LessOrEqual(t, p.Tokens, cfg.MaxTokens)
				tbl, ok := p.Table(query.TableReports)
				require.True(t, ok)
				require.NotEmpty(t, tbl.Rows)
				for _, id := range tbl.IDs() {
					seen[id]++
				}
			}
			require.Len(t, seen, 40)
			for id, n := range seen {
				assert.Equal(t, 1, n, "report %s packed more than once", id)
			}
		})
	}
}

func TestBuild_BudgetHoldsForNonAdditiveTokenizer(t *testing.T) {
	tok := testutil.SplitTokenizer{}
	reports := append(randomReports(30, 11),
		corpus.CommunityReport{CommunityID: "huge", Title: "h", Content: testutil.Words("y", 400), Rank: 4})
	cfg := plainConfig(120)

	b, err := NewCommunityContext(snapshotOf(t, reports...), tok, cfg)
	require.NoError(t, err)
	history := query.ConversationHistory{{Role: "user", Text: "what changed"}}
	payloads, err := b.Build(context.Background(), "", history)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, p := range payloads {
		assert.LessOrEqual(t, tok.Count(p.Text), p.Tokens)
		assert.LessOrEqual(t, p.Tokens, cfg.MaxTokens)
		tbl, _ := p.Table(query.TableReports)
		for _, id := range tbl.IDs() {
			seen[id] = true
		}
	}
	assert.Len(t, seen, 31)
}

func TestBuild_DeterministicWithoutShuffle(t *testing.T) {
	snap := snapshotOf(t, randomReports(25, 3)...)
	cfg := DefaultContextConfig()
	cfg.ShuffleData = false
	cfg.MaxTokens = 90

	b, err := NewCommunityContext(snap, testutil.WordTokenizer{}, cfg)
	require.NoError(t, err)

	first, err := b.Build(context.Background(), "", nil)
	require.NoError(t, err)
	for range 5 {
		again, err := b.Build(context.Background(), "", nil)
		require.NoError(t, err)
		assert.Equal(t, batchIDs(first), batchIDs(again))
	}
}

func TestBuild_ShuffleUsesRandomSource(t *testing.T) {
	snap := snapshotOf(t, randomReports(30, 11)...)
	cfg := DefaultContextConfig()
	cfg.MaxTokens = 100

	build := func(seed uint64) [][]string {
		b, err := NewCommunityContext(snap, testutil.WordTokenizer{}, cfg, WithRand(rand.New(rand.NewPCG(seed, 0))))
		require.NoError(t, err)
		payloads, err := b.Build(context.Background(), "", nil)
		require.NoError(t, err)
		return batchIDs(payloads)
	}

	assert.Equal(t, build(42), build(42))
}

func TestBuild_OversizedReportIsTruncatedAlone(t *testing.T) {
	tok := testutil.WordTokenizer{}
	snap := snapshotOf(t,
		corpus.CommunityReport{CommunityID: "small", Title: "s", Content: testutil.Words("x", 10), Rank: 9},
		corpus.CommunityReport{CommunityID: "huge", Title: "h", Content: testutil.Words("y", 500), Rank: 5},
		corpus.CommunityReport{CommunityID: "tail", Title: "t", Content: testutil.Words("z", 10), Rank: 1},
	)
	b, err := NewCommunityContext(snap, tok, plainConfig(60))
	require.NoError(t, err)

	payloads, err := b.Build(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"small"}, {"huge"}, {"tail"}}, batchIDs(payloads))

	huge := payloads[1]
	tbl, _ := huge.Table(query.TableReports)
	assert.True(t, tbl.Truncated)
	assert.LessOrEqual(t, tok.Count(huge.Text), 60)
	assert.True(t, strings.HasPrefix(tbl.Rows[0][2], "y y y"), "head of the content is kept")
}

func TestBuild_MinRankAndWeights(t *testing.T) {
	// Community a is mentioned by one text unit, b by two.
	snap, err := corpus.NewSnapshot(corpus.AllLevels, corpus.Tables{
		Entities: []corpus.Entity{
			{ID: "ea", CommunityIDs: []string{"a"}},
			{ID: "eb", CommunityIDs: []string{"b"}},
			{ID: "ec", CommunityIDs: []string{"c"}},
		},
		TextUnits: []corpus.TextUnit{
			{ID: "t1", EntityIDs: []string{"ea", "eb"}},
			{ID: "t2", EntityIDs: []string{"eb", "ec"}},
		},
		Reports: []corpus.CommunityReport{
			{CommunityID: "a", Title: "a", Content: "one", Rank: 5},
			{CommunityID: "b", Title: "b", Content: "two", Rank: 5},
			{CommunityID: "c", Title: "c", Content: "three", Rank: 1},
		},
	})
	require.NoError(t, err)
	cfg := DefaultContextConfig()
	cfg.ShuffleData = false
	cfg.MinCommunityRank = 2
	cfg.MaxTokens = 1000

	b, err := NewCommunityContext(snap, testutil.WordTokenizer{}, cfg)
	require.NoError(t, err)
	payloads, err := b.Build(context.Background(), "", nil)
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	tbl, _ := payloads[0].Table(query.TableReports)
	assert.Equal(t, []string{"id", "title", "occurrence weight", "content", "rank"}, tbl.Columns)
	assert.Equal(t, [][]string{
		{"b", "b", "1", "two", "5"},
		{"a", "a", "0.5", "one", "5"},
	}, tbl.Rows)
	assert.Contains(t, payloads[0].Text, "-----Reports-----\nid|title|occurrence weight|content|rank\n")
}

func TestBuild_SummaryAndHistory(t *testing.T) {
	snap := snapshotOf(t,
		corpus.CommunityReport{CommunityID: "a", Title: "a", Summary: "short summary", Content: "long content", Rank: 1},
	)
	cfg := plainConfig(200)
	cfg.UseCommunitySummary = true
	cfg.IncludeCommunityRank = false

	b, err := NewCommunityContext(snap, testutil.WordTokenizer{}, cfg)
	require.NoError(t, err)

	history := query.ConversationHistory{
		{Role: "user", Text: "who is alice"},
		{Role: "assistant", Text: "a person"},
		{Role: "user", Text: "and bob"},
	}
	payloads, err := b.Build(context.Background(), "", history)
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	p := payloads[0]
	require.Len(t, p.Tables, 2)
	hist, ok := p.Table(query.TableHistory)
	require.True(t, ok)
	assert.Equal(t, [][]string{{"user", "who is alice"}, {"user", "and bob"}}, hist.Rows)
	assert.True(t, strings.HasPrefix(p.Text, "-----Conversation History-----"))
	assert.Contains(t, p.Text, "a|a|short summary\n")
	assert.NotContains(t, p.Text, "long content")
}

func TestNewCommunityContext_RejectsZeroBudget(t *testing.T) {
	_, err := NewCommunityContext(snapshotOf(t), testutil.WordTokenizer{}, plainConfig(0))
	require.ErrorIs(t, err, query.ErrInvalidRequest)
}
