package store

import (
	"fmt"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

// DedupeStrings drops empty and repeated values, keeping first occurrence order.
func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ValidateChunk checks the fields every backend needs before writing a chunk.
func ValidateChunk(c common.TextChunk) error {
	if c.ID == "" {
		return fmt.Errorf("chunk id is empty")
	}
	if c.DocumentID == "" {
		return fmt.Errorf("chunk %s has no document id", c.ID)
	}
	return nil
}

// ValidateRelationship checks that a relationship carries its edge key.
func ValidateRelationship(r common.Relationship) error {
	if !r.Resolved() {
		return fmt.Errorf("%w: relationship %s -> %s is unresolved", ErrMissingEndpoint, r.SourceName, r.TargetName)
	}
	if r.Type == "" {
		return fmt.Errorf("relationship %s -> %s has no type", r.SourceID, r.TargetID)
	}
	return nil
}

// EmptyStats returns Stats with initialised maps.
func EmptyStats() Stats {
	return Stats{Nodes: map[string]int{}, Edges: map[string]int{}}
}
