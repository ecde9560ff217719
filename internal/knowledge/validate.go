package knowledge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValidationResult holds workflow validation findings. Errors block
// submission; warnings do not.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the workflow can be submitted.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Render formats the result for a tool response.
func (r *ValidationResult) Render() string {
	if r.Valid() && len(r.Warnings) == 0 {
		return "Workflow is valid."
	}
	var b strings.Builder
	if r.Valid() {
		b.WriteString("Workflow is valid, with warnings:\n")
	} else {
		b.WriteString("Workflow is INVALID:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  error: %s\n", e)
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

// workflowNode is one entry of an API-format workflow graph.
type workflowNode struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

// ValidateWorkflow checks an API-format workflow graph against the index:
// every node needs a known class_type, every required input needs a value
// or a link, and links must point at existing nodes. Unknown input names
// are warned about, not rejected, since extensions add inputs the catalog
// may not list.
func (idx *Index) ValidateWorkflow(workflow map[string]json.RawMessage) *ValidationResult {
	result := &ValidationResult{}

	nodes := make(map[string]workflowNode, len(workflow))
	nodeIDs := make([]string, 0, len(workflow))
	for id, raw := range workflow {
		var node workflowNode
		if err := json.Unmarshal(raw, &node); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("node %s: not an object: %v", id, err))
			continue
		}
		nodes[id] = node
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	if len(nodes) == 0 && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, "workflow is empty")
		return result
	}

	for _, id := range nodeIDs {
		node := nodes[id]
		if node.ClassType == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("node %s: missing class_type", id))
			continue
		}
		spec, known := idx.Get(node.ClassType)
		if !known {
			result.Errors = append(result.Errors,
				fmt.Sprintf("node %s: unknown class_type %q", id, node.ClassType))
			continue
		}

		knownInputs := make(map[string]InputSpec, len(spec.Inputs))
		for _, in := range spec.Inputs {
			knownInputs[in.Name] = in
		}

		for _, in := range spec.Inputs {
			if !in.Required {
				continue
			}
			if _, present := node.Inputs[in.Name]; !present {
				result.Errors = append(result.Errors,
					fmt.Sprintf("node %s (%s): missing required input %q", id, node.ClassType, in.Name))
			}
		}

		inputNames := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			inputNames = append(inputNames, name)
		}
		sort.Strings(inputNames)
		for _, name := range inputNames {
			raw := node.Inputs[name]
			if _, known := knownInputs[name]; !known {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("node %s (%s): unknown input %q", id, node.ClassType, name))
			}
			if target, slot, isLink := parseLink(raw); isLink {
				linked, exists := nodes[target]
				if !exists {
					result.Errors = append(result.Errors,
						fmt.Sprintf("node %s: input %q links to missing node %q", id, name, target))
					continue
				}
				if linkedSpec, ok := idx.Get(linked.ClassType); ok && slot >= len(linkedSpec.OutputTypes) {
					result.Errors = append(result.Errors,
						fmt.Sprintf("node %s: input %q links to %s output %d, which does not exist",
							id, name, linked.ClassType, slot))
				}
			}
		}
	}
	return result
}

// parseLink recognizes the ["node_id", slot] link form of a node input.
func parseLink(raw json.RawMessage) (target string, slot int, ok bool) {
	var link []json.RawMessage
	if err := json.Unmarshal(raw, &link); err != nil || len(link) != 2 {
		return "", 0, false
	}
	if err := json.Unmarshal(link[0], &target); err != nil {
		return "", 0, false
	}
	if err := json.Unmarshal(link[1], &slot); err != nil {
		return "", 0, false
	}
	return target, slot, true
}
