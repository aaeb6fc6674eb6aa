package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTable(t, dir, "entities.json", `[
		{"id":"e1","title":"ALICE","description":"a person","rank":3,"community_ids":["c1"]},
		{"id":"e2","title":"BOB","description":"another person","rank":1,"community_ids":["c1","c2"]},
		{"id":"e3","title":"ACME","description":"a company","rank":2,"community_ids":["c2"]}
	]`)
	writeTable(t, dir, "relationships.jsonl",
		`{"source_id":"e1","target_id":"e2","description":"knows","weight":2,"rank":4}
{"id":"r9","source_id":"e2","target_id":"e3","description":"works at","weight":1,"rank":3}
{"source_id":"e3","target_id":"ghost","description":"dangling","weight":1,"rank":1}
`)
	writeTable(t, dir, "community_reports.json", `[
		{"community_id":"c1","level":0,"title":"People","summary":"s1","content":"content 1","rank":8},
		{"community_id":"c2","level":0,"title":"Work","summary":"s2","content":"content 2","rank":5},
		{"community_id":"c3","level":1,"title":"Sub","summary":"s3","content":"content 3","rank":2}
	]`)
	writeTable(t, dir, "text_units.jsonl",
		`{"id":"t1","text":"Alice met Bob.","entity_ids":["e1","e2"]}
{"id":"t2","text":"Bob works at Acme.","entity_ids":["e2","e3"]}
{"id":"t3","text":"Acme is big.","entity_ids":["e3"]}
`)
	return dir
}

func TestLoad_DirSource(t *testing.T) {
	dir := writeCorpus(t)

	snap, err := Load(context.Background(), DirSource{Dir: dir}, LoadOptions{CommunityLevel: 0})
	require.NoError(t, err)

	assert.Equal(t, 0, snap.Level())
	assert.Len(t, snap.Entities(), 3)
	assert.Len(t, snap.Relationships(), 3)
	assert.Len(t, snap.TextUnits(), 3)
	assert.Empty(t, snap.Claims())

	require.Len(t, snap.Reports(), 2, "level 1 report must be filtered out")
	_, ok := snap.Report("c3")
	assert.False(t, ok)

	// c1 members (e1, e2) appear in t1 and t2; c2 members (e2, e3) in t1, t2, t3.
	c1, ok := snap.Report("c1")
	require.True(t, ok)
	assert.Equal(t, 2.0, c1.OccurrenceWeight)
	c2, _ := snap.Report("c2")
	assert.Equal(t, 3.0, c2.OccurrenceWeight)

	rels := snap.RelationshipsOf("e2")
	require.Len(t, rels, 2)
	assert.Equal(t, "0", rels[0].ID)
	assert.Equal(t, "r9", rels[1].ID)

	units := snap.TextUnitsOf("e3")
	require.Len(t, units, 2)
	assert.Equal(t, "t2", units[0].ID)
	assert.Equal(t, "t3", units[1].ID)
}

func TestLoad_AllLevels(t *testing.T) {
	dir := writeCorpus(t)

	snap, err := Load(context.Background(), DirSource{Dir: dir}, LoadOptions{CommunityLevel: AllLevels})
	require.NoError(t, err)
	assert.Len(t, snap.Reports(), 3)
}

func TestLoad_Claims(t *testing.T) {
	dir := writeCorpus(t)
	writeTable(t, dir, "claims.json", `[
		{"id":"k1","subject_id":"e3","type":"FRAUD","status":"SUSPECTED","description":"alleged"}
	]`)

	snap, err := Load(context.Background(), DirSource{Dir: dir}, LoadOptions{})
	require.NoError(t, err)
	require.Len(t, snap.ClaimsOf("e3"), 1)
	assert.Empty(t, snap.ClaimsOf("e1"))

	snap, err = Load(context.Background(), DirSource{Dir: dir}, LoadOptions{SkipClaims: true})
	require.NoError(t, err)
	assert.Empty(t, snap.Claims())
}

func TestLoad_MissingTable(t *testing.T) {
	dir := writeCorpus(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "text_units.jsonl")))

	_, err := Load(context.Background(), DirSource{Dir: dir}, LoadOptions{})
	require.ErrorIs(t, err, ErrMissingTable)
	assert.Contains(t, err.Error(), TableTextUnits)
}

func TestLoad_MalformedRow(t *testing.T) {
	dir := writeCorpus(t)
	writeTable(t, dir, "text_units.jsonl", "{\"id\":\"t1\"}\n{not json}\n")

	_, err := Load(context.Background(), DirSource{Dir: dir}, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
}

func TestNewSnapshot_RejectsDuplicates(t *testing.T) {
	tests := []struct {
		name   string
		tables Tables
	}{
		{
			name:   "Entity",
			tables: Tables{Entities: []Entity{{ID: "a"}, {ID: "a"}}},
		},
		{
			name:   "EmptyEntityID",
			tables: Tables{Entities: []Entity{{Title: "nameless"}}},
		},
		{
			name:   "TextUnit",
			tables: Tables{TextUnits: []TextUnit{{ID: "t"}, {ID: "t"}}},
		},
		{
			name:   "Report",
			tables: Tables{Reports: []CommunityReport{{CommunityID: "c"}, {CommunityID: "c"}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSnapshot(AllLevels, tc.tables)
			require.Error(t, err)
		})
	}
}

func TestRelationshipTouches(t *testing.T) {
	r := Relationship{SourceID: "a", TargetID: "b"}
	assert.True(t, r.Touches("a"))
	assert.True(t, r.Touches("b"))
	assert.False(t, r.Touches("c"))
}
