// Package corpus holds the read-only query-time view of an indexed document
// corpus: entities, relationships, community reports, text units and claims
// for one community level.
package corpus

// Entity represents a node of the knowledge graph. An entity can be an
// organization, person, location, or any other relevant concept.
type Entity struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Rank         float64   `json:"rank"`
	CommunityIDs []string  `json:"community_ids"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// Relationship is an edge between two entities. The direction is kept for
// display, ranking treats it as undirected.
type Relationship struct {
	ID          string  `json:"id"`
	SourceID    string  `json:"source_id"`
	TargetID    string  `json:"target_id"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Rank        float64 `json:"rank"`
}

// Touches reports whether entityID is either endpoint of r.
func (r Relationship) Touches(entityID string) bool {
	return r.SourceID == entityID || r.TargetID == entityID
}

// CommunityReport is the generated summary of one community.
//
// OccurrenceWeight is derived at load time: the number of distinct text
// units that mention at least one member entity of the community.
type CommunityReport struct {
	CommunityID      string  `json:"community_id"`
	Level            int     `json:"level"`
	Title            string  `json:"title"`
	Summary          string  `json:"summary"`
	Content          string  `json:"content"`
	Rank             float64 `json:"rank"`
	OccurrenceWeight float64 `json:"-"`
}

// TextUnit is a raw chunk of source text and the entities it mentions.
type TextUnit struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	EntityIDs []string `json:"entity_ids"`
	ClaimIDs  []string `json:"claim_ids,omitempty"`
}

// Claim is an extracted statement about a subject entity.
type Claim struct {
	ID          string `json:"id"`
	SubjectID   string `json:"subject_id"`
	ObjectID    string `json:"object_id,omitempty"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

// Tables is the raw content of the corpus artifact tables.
type Tables struct {
	Entities      []Entity
	Relationships []Relationship
	Reports       []CommunityReport
	TextUnits     []TextUnit
	Claims        []Claim
}
