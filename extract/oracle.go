// Package extract converts text chunks into ontology-constrained nodes and
// relationships: an oracle adapter around one LLM call, a schema validator,
// and an evidence linker that grounds every node in its source chunk.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tnfdlab/naturekg/llm"
	"github.com/tnfdlab/naturekg/schema"
)

var (
	// ErrFormat is returned when the oracle response cannot be parsed as the
	// expected nodes/relationships structure. Recoverable: the pipeline marks
	// the chunk Failed and continues.
	ErrFormat = errors.New("extract: oracle output unparsable")

	// ErrSchema is returned when a parsed response carries neither a node
	// list nor a relationship list at all. Recoverable per chunk.
	ErrSchema = errors.New("extract: extraction structurally unusable")
)

// RawNode is one candidate node as emitted by the oracle.
type RawNode struct {
	Type  string            `json:"type"`
	Name  string            `json:"name"`
	Props map[string]string `json:"-"`
}

// RawRelationship is one candidate relationship. SourceRef and TargetRef are
// indices into the node list.
type RawRelationship struct {
	SourceRef int    `json:"source"`
	Type      string `json:"relation"`
	TargetRef int    `json:"target"`
}

// RawExtraction is the oracle's parsed but unvalidated output for one chunk.
type RawExtraction struct {
	Nodes         []RawNode
	Relationships []RawRelationship
}

// extractionPrompt instructs the model to emit ontology-constrained JSON.
// Relationship endpoints are node-list indices so the validator can resolve
// them without name matching.
const extractionPrompt = `You are a TNFD (Taskforce on Nature-related Financial Disclosures) analyst.
Extract knowledge-graph entities and relationships from a sustainability-report excerpt.

NODE TYPES (use exactly these values):
%s

RELATIONSHIP TYPES (use exactly these values):
%s

Return a JSON object with exactly two keys:
  "nodes"         : array of {"type": string, "name": string, ...optional properties}
  "relationships" : array of {"source": int, "relation": string, "target": int}
where "source" and "target" are zero-based indices into the "nodes" array.

Rules:
- Only extract facts explicitly stated in the text. No inference.
- Split generic terms ("Nature", "Climate Change") into concrete risks or assets.
- Risk nodes may carry "category": "Acute" | "Chronic" | "Transition".
- Action nodes may carry "action_type": "Avoid" | "Reduce" | "Restore" | "Regenerate".
- If nothing can be extracted, return {"nodes": [], "relationships": []}.
- Do NOT include any text outside the JSON object.

EXAMPLES:

Input: "Samsung Electronics operates manufacturing facilities in Vietnam and is implementing regenerative agriculture to reduce soil erosion."
Output:
{"nodes": [{"type": "Organization", "name": "Samsung Electronics"}, {"type": "Location", "name": "Vietnam Manufacturing Facility", "country": "Vietnam"}, {"type": "Action", "name": "Regenerative Agriculture", "action_type": "Regenerate"}, {"type": "Risk", "name": "Soil Erosion", "category": "Chronic"}], "relationships": [{"source": 0, "relation": "OPERATES_IN", "target": 1}, {"source": 0, "relation": "IMPLEMENTS", "target": 2}, {"source": 2, "relation": "MITIGATES", "target": 3}]}

Input: "Physical risks include floods and typhoons that could disrupt supply chain operations in Southeast Asia."
Output:
{"nodes": [{"type": "Risk", "name": "Flood", "category": "Acute"}, {"type": "Risk", "name": "Typhoon", "category": "Acute"}, {"type": "Location", "name": "Southeast Asia Operations"}], "relationships": [{"source": 0, "relation": "AFFECTS", "target": 2}, {"source": 1, "relation": "AFFECTS", "target": 2}]}

TEXT:
%s`

// Oracle wraps one extraction call to an external language model.
type Oracle struct {
	chat llm.Provider
}

// NewOracle creates an extraction oracle backed by the given chat provider.
func NewOracle(chat llm.Provider) *Oracle {
	return &Oracle{chat: chat}
}

// Extract runs one oracle call for the chunk and parses the response.
// The chunk text must be non-empty; the caller handles empty chunks.
// No internal retry: retry policy lives in the pipeline.
func (o *Oracle) Extract(ctx context.Context, unit schema.Evidence, def schema.Def) (*RawExtraction, error) {
	if strings.TrimSpace(unit.Text) == "" {
		return nil, fmt.Errorf("%w: empty chunk text", ErrSchema)
	}

	prompt := fmt.Sprintf(extractionPrompt,
		strings.Join(def.NodeTypes, ", "),
		strings.Join(def.RelationshipTypes, ", "),
		unit.Text)

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("oracle chat: %w", err)
	}

	// Some providers deliver the response as multiple text segments; the
	// provider layer concatenates them, but tolerate a pre-split slice too.
	return ParseResponse(resp.Content)
}

// ParseResponse parses oracle output text into a RawExtraction.
// Split into its own function so fragment handling can be tested without a
// live provider: ParseFragments joins segments and delegates here.
func ParseResponse(raw string) (*RawExtraction, error) {
	jsonStr, err := extractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	var payload struct {
		Nodes         []json.RawMessage `json:"nodes"`
		Relationships []RawRelationship `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if payload.Nodes == nil && payload.Relationships == nil {
		return nil, fmt.Errorf("%w: no nodes or relationships key", ErrSchema)
	}

	out := &RawExtraction{Relationships: payload.Relationships}
	for _, rawNode := range payload.Nodes {
		n, err := parseRawNode(rawNode)
		if err != nil {
			// A single malformed node entry is dropped, not fatal.
			continue
		}
		out.Nodes = append(out.Nodes, n)
	}
	return out, nil
}

// ParseFragments concatenates a multi-segment oracle response into one
// logical text before parsing. A response delivered as fragments must parse
// identically to the same text delivered whole.
func ParseFragments(segments []string) (*RawExtraction, error) {
	return ParseResponse(strings.Join(segments, ""))
}

// parseRawNode decodes one node object, folding unknown keys into Props as
// strings so typed properties (category, country, status) survive validation.
func parseRawNode(raw json.RawMessage) (RawNode, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return RawNode{}, err
	}

	n := RawNode{Props: make(map[string]string)}
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "type":
			n.Type = s
		case "name":
			n.Name = s
		default:
			n.Props[k] = s
		}
	}
	if n.Name == "" && n.Type == "" {
		return RawNode{}, fmt.Errorf("node missing type and name")
	}
	return n, nil
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in the response text, tolerating markdown
// code blocks and prose before or after the object.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		return raw, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}
