// Package schema defines the closed TNFD ontology used by the extraction
// pipeline and the graph store: node types, relationship types, logical
// identity keys, and the grounding-edge taxonomy.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Node type constants. The ontology is closed: extraction rejects anything
// outside this set.
const (
	NodeOrganization = "Organization"
	NodeLocation     = "Location"
	NodeRisk         = "Risk"
	NodeAction       = "Action"
	NodeEvidence     = "Evidence"
)

// Relationship type constants.
const (
	RelOperatesIn = "OPERATES_IN"
	RelHasRisk    = "HAS_RISK"
	RelImplements = "IMPLEMENTS"
	RelMitigates  = "MITIGATES"
	RelGenerates  = "GENERATES"
	RelAlters     = "ALTERS"
	RelCreates    = "CREATES"
	RelLocatedIn  = "LOCATED_IN"
	RelAffects    = "AFFECTS"

	// Grounding edges from extracted nodes to their source Evidence node.
	RelMentions = "MENTIONS"
	RelSupports = "SUPPORTS"
)

// Risk category property values (TNFD taxonomy).
const (
	RiskAcute      = "Acute"
	RiskChronic    = "Chronic"
	RiskTransition = "Transition"
)

// Action type property values (TNFD mitigation hierarchy).
const (
	ActionAvoid      = "Avoid"
	ActionReduce     = "Reduce"
	ActionRestore    = "Restore"
	ActionRegenerate = "Regenerate"
)

// Def is the closed ontology handed to the extraction oracle and the
// validator. Evidence is deliberately absent from NodeTypes: Evidence nodes
// are created by the pipeline itself, never by the oracle.
type Def struct {
	NodeTypes         []string
	RelationshipTypes []string
}

// Default returns the ontology definition used for sustainability reports.
func Default() Def {
	return Def{
		NodeTypes: []string{
			NodeOrganization, NodeLocation, NodeRisk, NodeAction,
		},
		RelationshipTypes: []string{
			RelOperatesIn, RelHasRisk, RelImplements, RelMitigates,
			RelGenerates, RelAlters, RelCreates, RelLocatedIn, RelAffects,
		},
	}
}

// AllowsNode reports whether t is an extractable node type.
func (d Def) AllowsNode(t string) bool {
	for _, nt := range d.NodeTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// AllowsRelationship reports whether t is an allowed relationship type.
func (d Def) AllowsRelationship(t string) bool {
	for _, rt := range d.RelationshipTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// GroundingEdge returns the grounding relationship type for a node type:
// SUPPORTS for Risk and Action (the evidence substantiates a claim),
// MENTIONS for everything else.
func GroundingEdge(nodeType string) string {
	switch nodeType {
	case NodeRisk, NodeAction:
		return RelSupports
	default:
		return RelMentions
	}
}

// Node is an extracted graph node. Name keeps its display casing; identity
// comparisons go through Key.
type Node struct {
	Type  string            `json:"type"`
	Name  string            `json:"name"`
	Props map[string]string `json:"props,omitempty"`
}

// Key returns the node's logical identity: type plus case-folded name.
// Re-ingesting the same chunk must produce the same key.
func (n Node) Key() string {
	return NodeKey(n.Type, n.Name)
}

// NodeKey builds a logical node key from a type and a display name.
func NodeKey(nodeType, name string) string {
	return nodeType + ":" + NormalizeName(name)
}

// NormalizeName trims and case-folds a name for identity comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Relationship is a directed typed edge between two logical node keys.
// Duplicate (source, type, target) triples collapse to one edge on upsert.
type Relationship struct {
	SourceKey string `json:"source_key"`
	Type      string `json:"type"`
	TargetKey string `json:"target_key"`
}

// Evidence wraps one source text chunk. Text, SourceDoc, and PageNum are
// immutable once stored; the embedding is set at most once.
type Evidence struct {
	Text       string `json:"text"`
	SourceDoc  string `json:"source_doc"`
	PageNum    int    `json:"page_num"`
	ChunkIndex int    `json:"chunk_index"`
}

// Key returns the evidence node's logical identity (source_doc, chunk_index).
func (e Evidence) Key() string {
	return EvidenceKey(e.SourceDoc, e.ChunkIndex)
}

// EvidenceKey builds the logical key for an evidence chunk.
func EvidenceKey(sourceDoc string, chunkIndex int) string {
	return fmt.Sprintf("%s:%s#%d", NodeEvidence, sourceDoc, chunkIndex)
}

// ParseNodeKey splits a node key back into its type and normalized name.
// ok is false for keys that were not produced by NodeKey.
func ParseNodeKey(key string) (nodeType, nameKey string, ok bool) {
	nodeType, nameKey, ok = strings.Cut(key, ":")
	if !ok || nodeType == "" || nameKey == "" || nodeType == NodeEvidence {
		return "", "", false
	}
	return nodeType, nameKey, true
}

// ParseEvidenceKey splits an evidence key back into its source document and
// chunk index. Document names may themselves contain '#', so the index is
// taken from the last one.
func ParseEvidenceKey(key string) (sourceDoc string, chunkIndex int, ok bool) {
	rest, found := strings.CutPrefix(key, NodeEvidence+":")
	if !found {
		return "", 0, false
	}
	sep := strings.LastIndex(rest, "#")
	if sep <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(rest[sep+1:])
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return rest[:sep], idx, true
}
