package corpus

import (
	"fmt"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
)

// AllLevels disables the community level filter.
const AllLevels = -1

// Snapshot is an immutable, indexed view of the corpus tables for one
// community level. It is built once and shared by reference between all
// concurrent queries. Slices returned by its accessors must not be modified.
type Snapshot struct {
	level int

	entities      []Entity
	relationships []Relationship
	reports       []CommunityReport
	textUnits     []TextUnit
	claims        []Claim

	entityIdx      map[string]int
	reportIdx      map[string]int
	relsByEntity   map[string][]int
	unitsByEntity  map[string][]int
	claimsByEntity map[string][]int
}

// NewSnapshot indexes t. Reports that do not belong to level are dropped
// unless level is AllLevels. Duplicate identifiers are rejected; references
// to unknown entities are kept and logged.
func NewSnapshot(level int, t Tables) (*Snapshot, error) {
	s := &Snapshot{
		level:          level,
		entities:       t.Entities,
		relationships:  make([]Relationship, len(t.Relationships)),
		textUnits:      t.TextUnits,
		claims:         t.Claims,
		entityIdx:      make(map[string]int, len(t.Entities)),
		reportIdx:      make(map[string]int),
		relsByEntity:   make(map[string][]int),
		unitsByEntity:  make(map[string][]int),
		claimsByEntity: make(map[string][]int),
	}

	for i, e := range s.entities {
		if e.ID == "" {
			return nil, fmt.Errorf("entity %d: empty id", i)
		}
		if _, dup := s.entityIdx[e.ID]; dup {
			return nil, fmt.Errorf("duplicate entity id %q", e.ID)
		}
		s.entityIdx[e.ID] = i
	}

	dangling := 0
	for i, r := range t.Relationships {
		if r.ID == "" {
			r.ID = fmt.Sprintf("%d", i)
		}
		s.relationships[i] = r
		for _, id := range []string{r.SourceID, r.TargetID} {
			if _, ok := s.entityIdx[id]; !ok {
				dangling++
				continue
			}
			s.relsByEntity[id] = append(s.relsByEntity[id], i)
		}
	}

	unitIDs := make(map[string]struct{}, len(t.TextUnits))
	for i, u := range s.textUnits {
		if _, dup := unitIDs[u.ID]; dup {
			return nil, fmt.Errorf("duplicate text unit id %q", u.ID)
		}
		unitIDs[u.ID] = struct{}{}
		for _, id := range u.EntityIDs {
			if _, ok := s.entityIdx[id]; !ok {
				dangling++
				continue
			}
			s.unitsByEntity[id] = append(s.unitsByEntity[id], i)
		}
	}

	for i, c := range s.claims {
		if _, ok := s.entityIdx[c.SubjectID]; !ok {
			dangling++
			continue
		}
		s.claimsByEntity[c.SubjectID] = append(s.claimsByEntity[c.SubjectID], i)
	}

	counts := s.communityOccurrences()
	for _, r := range t.Reports {
		if level != AllLevels && r.Level != level {
			continue
		}
		if _, dup := s.reportIdx[r.CommunityID]; dup {
			return nil, fmt.Errorf("duplicate community report %q", r.CommunityID)
		}
		r.OccurrenceWeight = float64(counts[r.CommunityID])
		s.reportIdx[r.CommunityID] = len(s.reports)
		s.reports = append(s.reports, r)
	}

	if dangling > 0 {
		logger.Warn("[Corpus] References to unknown entities ignored", "count", dangling)
	}
	logger.Info("[Corpus] Snapshot indexed",
		"level", level,
		"entities", len(s.entities),
		"relationships", len(s.relationships),
		"reports", len(s.reports),
		"text_units", len(s.textUnits),
		"claims", len(s.claims),
	)

	return s, nil
}

// communityOccurrences counts, per community, the distinct text units that
// mention at least one member entity.
func (s *Snapshot) communityOccurrences() map[string]int {
	counts := make(map[string]int)
	for _, u := range s.textUnits {
		seen := make(map[string]struct{})
		for _, id := range u.EntityIDs {
			i, ok := s.entityIdx[id]
			if !ok {
				continue
			}
			for _, cid := range s.entities[i].CommunityIDs {
				if _, ok := seen[cid]; ok {
					continue
				}
				seen[cid] = struct{}{}
				counts[cid]++
			}
		}
	}
	return counts
}

// Level returns the community level the snapshot was built for.
func (s *Snapshot) Level() int { return s.level }

func (s *Snapshot) Entities() []Entity           { return s.entities }
func (s *Snapshot) Relationships() []Relationship { return s.relationships }
func (s *Snapshot) Reports() []CommunityReport    { return s.reports }
func (s *Snapshot) TextUnits() []TextUnit         { return s.textUnits }
func (s *Snapshot) Claims() []Claim               { return s.claims }

// Entity looks up an entity by id.
func (s *Snapshot) Entity(id string) (Entity, bool) {
	i, ok := s.entityIdx[id]
	if !ok {
		return Entity{}, false
	}
	return s.entities[i], true
}

// Report looks up the report of a community at the snapshot level.
func (s *Snapshot) Report(communityID string) (CommunityReport, bool) {
	i, ok := s.reportIdx[communityID]
	if !ok {
		return CommunityReport{}, false
	}
	return s.reports[i], true
}

// RelationshipsOf returns every relationship with entityID as an endpoint,
// in table order.
func (s *Snapshot) RelationshipsOf(entityID string) []Relationship {
	idx := s.relsByEntity[entityID]
	out := make([]Relationship, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.relationships[i])
	}
	return out
}

// TextUnitsOf returns the text units mentioning entityID, in table order.
func (s *Snapshot) TextUnitsOf(entityID string) []TextUnit {
	idx := s.unitsByEntity[entityID]
	out := make([]TextUnit, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.textUnits[i])
	}
	return out
}

// ClaimsOf returns the claims whose subject is entityID.
func (s *Snapshot) ClaimsOf(entityID string) []Claim {
	idx := s.claimsByEntity[entityID]
	out := make([]Claim, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.claims[i])
	}
	return out
}
