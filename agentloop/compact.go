package agentloop

// Token estimation and fixed overheads for context budgeting. The estimate
// is deliberately coarse (4 characters per token) and compensated by a
// safety margin.
const (
	CharsPerToken            = 4
	SystemPromptOverhead     = 2000
	ToolSchemaOverhead       = 3000
	SafetyMarginTokens       = 5000
	DefaultContextWindow     = 200000
	DefaultSummarizeTokens   = 80000
	DefaultKeepRecentResults = 6
)

// EstimateMessageTokens estimates the token footprint of one message.
func EstimateMessageTokens(msg Message) int {
	chars := 0
	for _, b := range msg.Blocks {
		switch b.Kind {
		case BlockText:
			chars += len(b.Text)
		case BlockToolCall:
			if b.ToolCall != nil {
				chars += len(b.ToolCall.Name) + len(b.ToolCall.Arguments)
			}
		case BlockToolResult:
			if b.ToolResult != nil {
				chars += len(b.ToolResult.Content)
			}
		case BlockSubagent:
			if b.Subagent != nil {
				chars += len(b.Subagent.Task) + len(b.Subagent.Result)
			}
		}
	}
	return chars / CharsPerToken
}

// EstimateTokens estimates the token footprint of a history plus the fixed
// request overheads.
func EstimateTokens(history []Message) int {
	total := SystemPromptOverhead + ToolSchemaOverhead + SafetyMarginTokens
	for _, msg := range history {
		total += EstimateMessageTokens(msg)
	}
	return total
}

// CompressionPolicy reduces a history's token footprint for request
// building. Policies never mutate their input; persisted history is
// untouched.
type CompressionPolicy interface {
	Compress(history []Message) []Message
}

// CompressionChain applies policies in order, stopping once the history
// fits the budget.
type CompressionChain struct {
	Budget   int
	Policies []CompressionPolicy
}

// Compress runs the chain.
func (c CompressionChain) Compress(history []Message) []Message {
	for _, policy := range c.Policies {
		if EstimateTokens(history) <= c.Budget {
			return history
		}
		history = policy.Compress(history)
	}
	return history
}

// ToolResultTruncation shortens old tool results. Messages inside the most
// recent KeepRecent are left alone; older tool results longer than MaxChars
// keep their first KeepChars plus a marker.
type ToolResultTruncation struct {
	KeepRecent int
	MaxChars   int
	KeepChars  int
}

// DefaultToolResultTruncation returns the standard old-result policy.
func DefaultToolResultTruncation() ToolResultTruncation {
	return ToolResultTruncation{
		KeepRecent: DefaultKeepRecentResults,
		MaxChars:   500,
		KeepChars:  200,
	}
}

// Compress implements CompressionPolicy.
func (p ToolResultTruncation) Compress(history []Message) []Message {
	cutoff := len(history) - p.KeepRecent
	if cutoff <= 0 {
		return history
	}

	out := make([]Message, len(history))
	copy(out, history)
	for i := 0; i < cutoff; i++ {
		msg := out[i]
		if msg.Role != RoleToolResult {
			continue
		}
		changed := false
		blocks := make([]ContentBlock, len(msg.Blocks))
		copy(blocks, msg.Blocks)
		for j, b := range blocks {
			if b.Kind != BlockToolResult || b.ToolResult == nil {
				continue
			}
			if len(b.ToolResult.Content) <= p.MaxChars {
				continue
			}
			tr := *b.ToolResult
			tr.Content = tr.Content[:p.KeepChars] + "\n[... output truncated to save context ...]"
			blocks[j].ToolResult = &tr
			changed = true
		}
		if changed {
			out[i].Blocks = blocks
		}
	}
	return out
}

// EmergencyTrim drops the oldest messages until the history fits the
// budget, always keeping at least the most recent user message onward so
// the model retains the current request.
type EmergencyTrim struct {
	Budget int
}

// Compress implements CompressionPolicy.
func (p EmergencyTrim) Compress(history []Message) []Message {
	if EstimateTokens(history) <= p.Budget {
		return history
	}

	// Never trim past the latest user message.
	floor := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			floor = i
			break
		}
	}

	start := 0
	for start < floor && EstimateTokens(history[start:]) > p.Budget {
		start++
	}
	// The cut can land between an assistant tool call and its results.
	// Leading orphaned tool results would replay a result whose call was
	// dropped, so advance past them.
	for start < floor && history[start].Role == RoleToolResult {
		start++
	}
	return history[start:]
}

// DefaultCompression builds the standard policy chain for a context window.
func DefaultCompression(contextWindow int) CompressionPolicy {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	return CompressionChain{
		Budget: contextWindow,
		Policies: []CompressionPolicy{
			DefaultToolResultTruncation(),
			EmergencyTrim{Budget: contextWindow},
		},
	}
}
