package graph

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/docgraph/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Resolve fills in SourceID and TargetID of every relationship whose source
// and target names both equal the name of an entity in res. Matching is exact
// and the first entity with a name wins. Relationships that do not match on
// both sides are returned as they are.
//
// Resolve does not modify res.
func Resolve(res common.ExtractionResult) common.ExtractionResult {
	byName := make(map[string]string, len(res.Entities))
	for _, e := range res.Entities {
		if _, ok := byName[e.Name]; !ok {
			byName[e.Name] = e.ID
		}
	}

	out := common.ExtractionResult{
		Entities: slices.Clone(res.Entities),
	}
	if res.Relationships != nil {
		out.Relationships = make([]common.Relationship, len(res.Relationships))
	}
	for i, r := range res.Relationships {
		src, okSrc := byName[r.SourceName]
		tgt, okTgt := byName[r.TargetName]
		if okSrc && okTgt {
			r.SourceID = src
			r.TargetID = tgt
		}
		out.Relationships[i] = r
	}
	return out
}

// EnsureEntityIDs returns a copy of res where every entity without an id got a
// fresh one.
func EnsureEntityIDs(res common.ExtractionResult) (common.ExtractionResult, error) {
	out := common.ExtractionResult{
		Entities:      slices.Clone(res.Entities),
		Relationships: res.Relationships,
	}
	for i := range out.Entities {
		if out.Entities[i].ID != "" {
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return common.ExtractionResult{}, fmt.Errorf("failed to generate ID for entity: %w", err)
		}
		out.Entities[i].ID = id
	}
	return out, nil
}
