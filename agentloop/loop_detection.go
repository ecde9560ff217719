package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// DefaultLoopWindow is how many recent tool calls the loop guard inspects.
const DefaultLoopWindow = 6

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// extractToolCallSignatures extracts signatures from the most recent tool
// calls in the history.
func extractToolCallSignatures(history []Message, count int) []string {
	var sigs []string
	// Walk history backwards to find tool call signatures.
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		msg := history[i]
		if msg.Role != RoleAssistant {
			continue
		}
		for j := len(msg.Blocks) - 1; j >= 0 && len(sigs) < count; j-- {
			block := msg.Blocks[j]
			if block.Kind == BlockToolCall && block.ToolCall != nil {
				sigs = append(sigs, toolCallSignature(block.ToolCall.Name, block.ToolCall.Arguments))
			}
		}
	}
	// Reverse to chronological order.
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks if the last windowSize tool calls follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(history []Message, windowSize int) bool {
	sigs := extractToolCallSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
			if !allMatch {
				break
			}
		}
		if allMatch {
			return true
		}
	}

	return false
}
