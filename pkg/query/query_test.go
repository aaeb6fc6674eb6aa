package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// words counts whitespace separated words; it mirrors testutil.WordTokenizer
// without importing it into this package's tests.
type words struct{}

func (words) Count(s string) int { return len(strings.Fields(s)) }

func (words) Truncate(s string, n int) string {
	f := strings.Fields(s)
	if n <= 0 {
		return ""
	}
	if len(f) <= n {
		return s
	}
	return strings.Join(f[:n], " ")
}

func TestConversationHistoryRecent(t *testing.T) {
	h := ConversationHistory{
		{Role: "user", Text: "u1"},
		{Role: "assistant", Text: "a1"},
		{Role: "user", Text: "u2"},
		{Role: "assistant", Text: "a2"},
		{Role: "user", Text: "u3"},
	}

	tests := []struct {
		name     string
		max      int
		userOnly bool
		want     []string
	}{
		{"AllTurns", 10, false, []string{"u1", "a1", "u2", "a2", "u3"}},
		{"LastTwo", 2, false, []string{"a2", "u3"}},
		{"UserOnly", 2, true, []string{"u2", "u3"}},
		{"Disabled", 0, false, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			for _, turn := range h.Recent(tc.max, tc.userOnly) {
				got = append(got, turn.Text)
			}
			assert.Equal(t, tc.want, got)
		})
	}

	assert.Equal(t, "u2\nu3", h.Recent(2, true).Prefix())
	assert.Equal(t, []string{"u1", "u2", "u3"}, h.UserTexts())
	assert.Equal(t, 4, h.LastUser())
	assert.Equal(t, -1, h[:0].LastUser())
}

func TestTablePacker(t *testing.T) {
	p := NewTablePacker(words{}, TableEntities, "Entities", []string{"id", "entity"}, 6)
	require.True(t, p.HeaderFits())
	assert.Equal(t, 2, p.Tokens())

	assert.True(t, p.Add([]string{"e1", "one two"}))
	assert.True(t, p.Add([]string{"e2", "three"}))
	assert.False(t, p.Add([]string{"e3", "four five"}), "row would exceed the budget")
	assert.Equal(t, 5, p.Tokens())

	assert.Equal(t, "-----Entities-----\nid|entity\ne1|one two\ne2|three\n\n", p.Text())
	assert.Equal(t, []string{"e1", "e2"}, p.Table().IDs())
	assert.False(t, p.Table().Truncated)
}

func TestTablePacker_AddTruncated(t *testing.T) {
	p := NewTablePacker(words{}, TableReports, "Reports", []string{"id", "content"}, 6)
	long := "a b c d e f g h i j"

	require.True(t, p.AddTruncated([]string{"r1", long}, 1))
	assert.LessOrEqual(t, p.Tokens(), 6)
	row := p.Table().Rows[0]
	assert.True(t, strings.HasPrefix(long, row[1]))
	assert.True(t, p.Table().Truncated)

	tiny := NewTablePacker(words{}, TableReports, "Reports", []string{"id", "content"}, 2)
	assert.False(t, tiny.AddTruncated([]string{"r1 with spaces", long}, 1))
}

func TestPackHistory_DropsOldestTurns(t *testing.T) {
	h := ConversationHistory{
		{Role: "user", Text: "a very long first question here"},
		{Role: "user", Text: "short"},
	}
	text, tokens, tbl := PackHistory(words{}, h, 5)
	assert.Equal(t, [][]string{{"user", "short"}}, tbl.Rows)
	assert.Equal(t, 4, tokens)
	assert.Contains(t, text, "user|short")

	text, tokens, _ = PackHistory(words{}, h, 1)
	assert.Empty(t, text)
	assert.Zero(t, tokens)
}

func TestContextPayload(t *testing.T) {
	p := ContextPayload{Tables: []Table{
		{Name: TableHistory, Rows: [][]string{{"user", "hi"}}},
		{Name: TableEntities},
	}}
	assert.True(t, p.Empty(), "history alone is not evidence")

	p.Tables[1].Rows = [][]string{{"e1", "x"}}
	assert.False(t, p.Empty())
	_, ok := p.Table(TableSources)
	assert.False(t, ok)

	assert.Equal(t, []string{"", ""}, ContextTexts(make([]ContextPayload, 2)))
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "9", FormatNumber(9))
	assert.Equal(t, "0.25", FormatNumber(0.25))
	assert.Equal(t, "-1.5", FormatNumber(-1.5))
}

func TestLLMParamsOptions(t *testing.T) {
	assert.Len(t, LLMParams{}.Options(), 1)
	assert.Len(t, LLMParams{Model: "m", MaxTokens: 10, Temperature: 0.3}.Options(), 3)

	opts := ai.ResolveOptions(ai.GenerateOptions{}, LLMParams{Thinking: "medium"}.Options()...)
	assert.Equal(t, "medium", opts.Thinking)
}

func TestQueryTrace_ConcurrentRecording(t *testing.T) {
	trace := NewQueryTrace()
	tracer := MultiTracer{trace, nil}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%4 == 0 {
				err = errors.New("failed")
			}
			RecordMapCall(tracer, i, 1, 5, err)
		}()
	}
	wg.Wait()

	RecordConsideredReportIDs(tracer, "c2", "c1", "")
	RecordUsedReportIDs(tracer, "c1")
	RecordQueriedEntityIDs(tracer, "e1", "e1")
	RecordQueriedRelationshipIDs(tracer, "r1")
	RecordUsedSourceIDs(tracer, "t1")
	RecordUsedSourceIDs(nil, "ignored")

	s := trace.Snapshot()
	assert.Equal(t, []string{"c1", "c2"}, s.ConsideredReportIDs)
	assert.Equal(t, []string{"c1"}, s.UsedReportIDs)
	assert.Equal(t, []string{"e1"}, s.QueriedEntityIDs)
	assert.Equal(t, []string{"r1"}, s.QueriedRelationshipIDs)
	assert.Equal(t, []string{"t1"}, s.UsedSourceIDs)
	assert.Equal(t, 20, s.MapCalls)
	assert.Equal(t, 5, s.MapFailures)

	carried := NewQueryTrace()
	ctx := WithTrace(context.Background(), carried)
	inner := NewQueryTrace()
	RecordUsedReportIDs(TracerFor(WithTrace(ctx, inner), nil), "c9")
	assert.Equal(t, []string{"c9"}, carried.Snapshot().UsedReportIDs)
	assert.Equal(t, []string{"c9"}, inner.Snapshot().UsedReportIDs)
	assert.Nil(t, TracerFor(context.Background(), nil))

	var nilTrace *QueryTrace
	assert.Equal(t, QueryTraceSnapshot{}, nilTrace.Snapshot())
}
