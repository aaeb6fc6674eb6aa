package query

import (
	"regexp"
	"strings"
)

var (
	dataRefPattern = regexp.MustCompile(`\[Data:\s*([^\[\]]+)\]`)
	datasetPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z ]*?)\s*\(([^()]*)\)$`)
)

// Citation lists the record ids an answer cites from one dataset. More is
// set when the model marked the list as abbreviated with "+more".
type Citation struct {
	Dataset string   `json:"dataset"`
	IDs     []string `json:"ids"`
	More    bool     `json:"more,omitempty"`
}

// ExtractCitations collects the data references of an answer, e.g.
// "[Data: Reports (5, 7, +more); Entities (3)]". Datasets keep the order of
// their first reference, ids are deduplicated per dataset.
func ExtractCitations(text string) []Citation {
	var out []Citation
	index := make(map[string]int)
	seen := make(map[string]map[string]struct{})

	for _, match := range dataRefPattern.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(match[1], ";") {
			m := datasetPattern.FindStringSubmatch(strings.TrimSpace(part))
			if m == nil {
				continue
			}
			key := strings.ToLower(m[1])
			i, ok := index[key]
			if !ok {
				i = len(out)
				index[key] = i
				seen[key] = make(map[string]struct{})
				out = append(out, Citation{Dataset: m[1], IDs: []string{}})
			}

			for _, id := range strings.Split(m[2], ",") {
				id = strings.TrimSpace(id)
				switch {
				case id == "":
					continue
				case strings.EqualFold(id, "+more"):
					out[i].More = true
					continue
				}
				if _, dup := seen[key][id]; dup {
					continue
				}
				seen[key][id] = struct{}{}
				out[i].IDs = append(out[i].IDs, id)
			}
		}
	}
	return out
}
