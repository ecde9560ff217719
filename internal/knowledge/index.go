// Package knowledge maintains a searchable index of the backend's node
// catalog and validates workflow graphs against it.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// InputSpec describes one node input slot.
type InputSpec struct {
	Name     string
	Type     string
	Required bool
	// Options holds the allowed values for combo inputs.
	Options []string
	// Config holds the backend's widget config (default, min, max, ...).
	Config map[string]interface{}
}

// NodeSpec is the condensed schema of one node class.
type NodeSpec struct {
	ClassName   string
	DisplayName string
	Description string
	Category    string
	OutputNode  bool
	Inputs      []InputSpec
	OutputTypes []string
	OutputNames []string
}

// Index is the searchable node catalog. Safe for concurrent use; Rebuild
// swaps the whole catalog atomically.
type Index struct {
	mu    sync.RWMutex
	nodes map[string]*NodeSpec
	// producers maps a data type to node classes with an output of it.
	producers map[string][]string
	// consumers maps a data type to node classes with an input of it.
	consumers map[string][]string
	logger    *slog.Logger
}

// ObjectInfoSource fetches the raw node catalog.
type ObjectInfoSource interface {
	ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error)
}

// NewIndex creates an empty index.
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		nodes:     make(map[string]*NodeSpec),
		producers: make(map[string][]string),
		consumers: make(map[string][]string),
		logger:    logger,
	}
}

// Rebuild fetches the node catalog and replaces the index contents.
func (idx *Index) Rebuild(ctx context.Context, source ObjectInfoSource) error {
	info, err := source.ObjectInfo(ctx)
	if err != nil {
		return fmt.Errorf("rebuild node index: %w", err)
	}

	nodes := make(map[string]*NodeSpec, len(info))
	producers := make(map[string][]string)
	consumers := make(map[string][]string)

	for class, raw := range info {
		spec, err := parseNodeSpec(class, raw)
		if err != nil {
			idx.logger.Debug("skipping unparseable node", "class", class, "error", err)
			continue
		}
		nodes[class] = spec
		for _, out := range spec.OutputTypes {
			producers[out] = append(producers[out], class)
		}
		seen := map[string]bool{}
		for _, in := range spec.Inputs {
			if isLinkType(in.Type) && !seen[in.Type] {
				seen[in.Type] = true
				consumers[in.Type] = append(consumers[in.Type], class)
			}
		}
	}
	for _, m := range []map[string][]string{producers, consumers} {
		for _, classes := range m {
			sort.Strings(classes)
		}
	}

	idx.mu.Lock()
	idx.nodes = nodes
	idx.producers = producers
	idx.consumers = consumers
	idx.mu.Unlock()

	idx.logger.Info("node index rebuilt", "nodes", len(nodes))
	return nil
}

// isLinkType reports whether a type names a node connection rather than a
// widget value. Connection types are conventionally upper-case identifiers
// (MODEL, LATENT, IMAGE); widget types are INT, FLOAT, STRING, BOOLEAN,
// and COMBO.
func isLinkType(t string) bool {
	switch t {
	case "INT", "FLOAT", "STRING", "BOOLEAN", "COMBO", "":
		return false
	}
	return strings.ToUpper(t) == t
}

func parseNodeSpec(class string, raw json.RawMessage) (*NodeSpec, error) {
	var entry struct {
		Input struct {
			Required map[string]json.RawMessage `json:"required"`
			Optional map[string]json.RawMessage `json:"optional"`
		} `json:"input"`
		Output      json.RawMessage `json:"output"`
		OutputName  []string        `json:"output_name"`
		DisplayName string          `json:"display_name"`
		Description string          `json:"description"`
		Category    string          `json:"category"`
		OutputNode  bool            `json:"output_node"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}

	spec := &NodeSpec{
		ClassName:   class,
		DisplayName: entry.DisplayName,
		Description: entry.Description,
		Category:    entry.Category,
		OutputNode:  entry.OutputNode,
		OutputNames: entry.OutputName,
	}
	if spec.DisplayName == "" {
		spec.DisplayName = class
	}

	// Outputs are usually a flat list of type names; some nodes emit
	// nested arrays for combo outputs, which we flatten to COMBO.
	var outputs []json.RawMessage
	if len(entry.Output) > 0 {
		if err := json.Unmarshal(entry.Output, &outputs); err == nil {
			for _, out := range outputs {
				var typeName string
				if err := json.Unmarshal(out, &typeName); err == nil {
					spec.OutputTypes = append(spec.OutputTypes, typeName)
				} else {
					spec.OutputTypes = append(spec.OutputTypes, "COMBO")
				}
			}
		}
	}

	for name, rawInput := range entry.Input.Required {
		spec.Inputs = append(spec.Inputs, parseInput(name, rawInput, true))
	}
	for name, rawInput := range entry.Input.Optional {
		spec.Inputs = append(spec.Inputs, parseInput(name, rawInput, false))
	}
	sort.Slice(spec.Inputs, func(i, j int) bool {
		if spec.Inputs[i].Required != spec.Inputs[j].Required {
			return spec.Inputs[i].Required
		}
		return spec.Inputs[i].Name < spec.Inputs[j].Name
	})
	return spec, nil
}

// parseInput handles the backend's input tuple: [type] or [type, config],
// where type is either a type name or an option list for combo inputs.
func parseInput(name string, raw json.RawMessage, required bool) InputSpec {
	input := InputSpec{Name: name, Required: required, Type: "UNKNOWN"}

	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) == 0 {
		return input
	}

	var typeName string
	if err := json.Unmarshal(tuple[0], &typeName); err == nil {
		input.Type = typeName
	} else {
		var options []string
		if err := json.Unmarshal(tuple[0], &options); err == nil {
			input.Type = "COMBO"
			input.Options = options
		}
	}
	if len(tuple) > 1 {
		_ = json.Unmarshal(tuple[1], &input.Config)
	}
	return input
}

// Get returns the spec for a node class.
func (idx *Index) Get(class string) (*NodeSpec, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	spec, ok := idx.nodes[class]
	return spec, ok
}

// Len returns the number of indexed node classes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// SearchHit is one scored search result.
type SearchHit struct {
	Spec  *NodeSpec
	Score int
}

const maxSearchHits = 10

// Search scores every node against the query terms and returns the top
// hits. Matching is weighted: exact class name 10, class substring 5,
// display name 4, category 2, description 1 per term.
func (idx *Index) Search(query string) []SearchHit {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var hits []SearchHit
	for _, spec := range idx.nodes {
		score := scoreNode(spec, query, terms)
		if score > 0 {
			hits = append(hits, SearchHit{Spec: spec, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Spec.ClassName < hits[j].Spec.ClassName
	})
	if len(hits) > maxSearchHits {
		hits = hits[:maxSearchHits]
	}
	return hits
}

func scoreNode(spec *NodeSpec, query string, terms []string) int {
	class := strings.ToLower(spec.ClassName)
	classTokens := strings.Join(Tokenize(spec.ClassName), " ")
	display := strings.ToLower(spec.DisplayName)
	category := strings.ToLower(spec.Category)
	description := strings.ToLower(spec.Description)

	if class == strings.ToLower(strings.TrimSpace(query)) {
		return 10 * len(terms)
	}

	score := 0
	for _, term := range terms {
		switch {
		case strings.Contains(class, term) || strings.Contains(classTokens, term):
			score += 5
		case strings.Contains(display, term):
			score += 4
		case strings.Contains(category, term):
			score += 2
		case strings.Contains(description, term):
			score += 1
		}
	}
	return score
}

// Tokenize splits a query or identifier into lower-case terms, breaking on
// CamelCase boundaries, underscores, and whitespace.
func Tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r):
			// Boundary at lower→Upper and at the last Upper of an
			// acronym run (VAEDecode → vae, decode).
			if i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				flush()
			}
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// Connectable lists producers and consumers for a data type.
type Connectable struct {
	Type      string
	Producers []string
	Consumers []string
}

// GetConnectable returns the node classes that produce and consume the
// given data type.
func (idx *Index) GetConnectable(dataType string) Connectable {
	dataType = strings.ToUpper(strings.TrimSpace(dataType))
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Connectable{
		Type:      dataType,
		Producers: append([]string(nil), idx.producers[dataType]...),
		Consumers: append([]string(nil), idx.consumers[dataType]...),
	}
}

// Summary returns a one-line description of the index for prompts.
func (idx *Index) Summary() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.nodes) == 0 {
		return "Node index: not yet built."
	}
	return fmt.Sprintf("Node index: %d node classes available via comfyui_discover.", len(idx.nodes))
}

// RenderDetail formats a node spec for a tool result.
func (spec *NodeSpec) RenderDetail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", spec.ClassName, spec.DisplayName)
	if spec.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", spec.Category)
	}
	if spec.Description != "" {
		fmt.Fprintf(&b, "%s\n", spec.Description)
	}
	b.WriteString("Inputs:\n")
	for _, in := range spec.Inputs {
		marker := "optional"
		if in.Required {
			marker = "required"
		}
		fmt.Fprintf(&b, "  %s: %s (%s)", in.Name, in.Type, marker)
		if len(in.Options) > 0 {
			limit := len(in.Options)
			if limit > 8 {
				limit = 8
			}
			fmt.Fprintf(&b, " options: %s", strings.Join(in.Options[:limit], ", "))
			if limit < len(in.Options) {
				fmt.Fprintf(&b, " (+%d more)", len(in.Options)-limit)
			}
		}
		if def, ok := in.Config["default"]; ok {
			fmt.Fprintf(&b, " default: %v", def)
		}
		b.WriteString("\n")
	}
	b.WriteString("Outputs:\n")
	for i, out := range spec.OutputTypes {
		name := out
		if i < len(spec.OutputNames) {
			name = spec.OutputNames[i]
		}
		fmt.Fprintf(&b, "  [%d] %s: %s\n", i, name, out)
	}
	if spec.OutputNode {
		b.WriteString("This is an output node (terminates a branch).\n")
	}
	return b.String()
}
