package extract

import (
	"fmt"
	"strings"

	"github.com/tnfdlab/naturekg/schema"
)

// ValidExtraction is the oracle output after ontology enforcement: only
// allowed node and relationship types remain, endpoints resolve, and names
// are normalized. DroppedNodes/DroppedRelationships count what was removed.
type ValidExtraction struct {
	Nodes                []schema.Node
	Relationships        []schema.Relationship
	DroppedNodes         int
	DroppedRelationships int
}

// Validate enforces the closed ontology on a raw extraction. Individual
// out-of-ontology nodes, unknown relationship types, and unresolvable
// endpoints are dropped and counted, never fatal. Only a structurally
// unusable input (nil raw) raises ErrSchema.
func Validate(raw *RawExtraction, def schema.Def) (*ValidExtraction, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil extraction", ErrSchema)
	}

	valid := &ValidExtraction{}

	// keyByRef maps the raw node-list index to the kept node's logical key.
	// Dropped nodes leave a gap so relationships pointing at them fail to
	// resolve and are dropped too.
	keyByRef := make(map[int]string, len(raw.Nodes))
	seen := make(map[string]int) // logical key -> index in valid.Nodes

	for i, rn := range raw.Nodes {
		name := strings.TrimSpace(rn.Name)
		typ := canonicalNodeType(rn.Type)
		if name == "" || !def.AllowsNode(typ) {
			valid.DroppedNodes++
			continue
		}

		node := schema.Node{Type: typ, Name: name, Props: normalizeProps(typ, rn.Props)}
		key := node.Key()

		if j, ok := seen[key]; ok {
			// Same logical node extracted twice in one chunk: union the
			// properties, keep the first display name.
			valid.Nodes[j].Props = mergeProps(valid.Nodes[j].Props, node.Props)
			keyByRef[i] = key
			continue
		}
		seen[key] = len(valid.Nodes)
		valid.Nodes = append(valid.Nodes, node)
		keyByRef[i] = key
	}

	edgeSeen := make(map[string]bool)
	for _, rr := range raw.Relationships {
		relType := strings.ToUpper(strings.TrimSpace(rr.Type))
		srcKey, srcOK := keyByRef[rr.SourceRef]
		tgtKey, tgtOK := keyByRef[rr.TargetRef]
		if !srcOK || !tgtOK || !def.AllowsRelationship(relType) {
			valid.DroppedRelationships++
			continue
		}

		dedupe := srcKey + "|" + relType + "|" + tgtKey
		if edgeSeen[dedupe] {
			continue
		}
		edgeSeen[dedupe] = true
		valid.Relationships = append(valid.Relationships, schema.Relationship{
			SourceKey: srcKey,
			Type:      relType,
			TargetKey: tgtKey,
		})
	}

	return valid, nil
}

// canonicalNodeType title-cases the oracle's type string so "organization"
// and "ORGANIZATION" both match the ontology.
func canonicalNodeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	return strings.ToUpper(t[:1]) + strings.ToLower(t[1:])
}

// normalizeProps validates type-specific property values, defaulting ones
// the oracle invented, and drops empty values.
func normalizeProps(nodeType string, props map[string]string) map[string]string {
	if len(props) == 0 {
		return nil
	}

	out := make(map[string]string, len(props))
	for k, v := range props {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[k] = v
	}

	switch nodeType {
	case schema.NodeRisk:
		switch out["category"] {
		case schema.RiskAcute, schema.RiskChronic, schema.RiskTransition:
		case "":
		default:
			out["category"] = schema.RiskChronic
		}
	case schema.NodeAction:
		switch out["action_type"] {
		case schema.ActionAvoid, schema.ActionReduce, schema.ActionRestore, schema.ActionRegenerate:
		case "":
		default:
			out["action_type"] = schema.ActionReduce
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// mergeProps unions src into dst without overwriting existing values.
func mergeProps(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
