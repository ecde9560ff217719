package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultMaxOutputChars caps tool output fed back to the model.
const DefaultMaxOutputChars = 15000

// Default character limits per tool. Discovery output (node schemas,
// object_info excerpts) is the usual offender; fetched pages come second.
var DefaultToolCharLimits = map[string]int{
	"comfyui_discover": 30000,
	"comfyui_execute":  15000,
	"comfyui_monitor":  15000,
	"comfyui_manage":   15000,
	"web_search":       10000,
	"web_fetch":        30000,
	"delegate_task":    20000,
}

// Default truncation modes per tool.
var DefaultTruncationModes = map[string]TruncationMode{
	"comfyui_discover": TruncateHeadTail,
	"comfyui_manage":   TruncateTail,
	"comfyui_execute":  TruncateTail,
	"comfyui_monitor":  TruncateTail,
	"web_search":       TruncateTail,
	"web_fetch":        TruncateHeadTail,
	"delegate_task":    TruncateHeadTail,
}

// Default line limits per tool (applied after character truncation).
var DefaultToolLineLimits = map[string]int{
	"comfyui_discover": 500,
	"web_search":       200,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}

	switch mode {
	case TruncateTail:
		removed := len(output) - maxChars
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output is available in the event stream.]\n\n",
			removed) +
			output[len(output)-maxChars:]

	default:
		// head_tail
		half := maxChars / 2
		removed := len(output) - maxChars
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"The full output is available in the event stream. "+
				"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n",
				removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the full truncation pipeline for a tool:
// character-based truncation first (handles pathological cases), then
// line-based truncation for readability.
func TruncateToolOutput(output string, toolName string, maxChars int) string {
	if maxChars == 0 {
		var ok bool
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = DefaultMaxOutputChars
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	if maxLines, ok := DefaultToolLineLimits[toolName]; ok {
		result = TruncateLines(result, maxLines)
	}

	return result
}
