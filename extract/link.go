package extract

import "github.com/tnfdlab/naturekg/schema"

// LinkedExtraction is a validated extraction with its source Evidence node
// and the grounding edges attached. This is the unit the graph store writes
// atomically.
type LinkedExtraction struct {
	Evidence      schema.Evidence
	Nodes         []schema.Node
	Relationships []schema.Relationship
}

// Link attaches every validated node to the Evidence node it was derived
// from. Grounding runs unconditionally in code, never via the oracle: every
// non-Evidence node gets exactly one SUPPORTS (Risk/Action) or MENTIONS
// edge to the source chunk. A no-op if valid has zero nodes.
func Link(valid *ValidExtraction, source schema.Evidence) *LinkedExtraction {
	linked := &LinkedExtraction{
		Evidence:      source,
		Nodes:         valid.Nodes,
		Relationships: valid.Relationships,
	}

	evKey := source.Key()
	for _, n := range valid.Nodes {
		linked.Relationships = append(linked.Relationships, schema.Relationship{
			SourceKey: n.Key(),
			Type:      schema.GroundingEdge(n.Type),
			TargetKey: evKey,
		})
	}
	return linked
}
