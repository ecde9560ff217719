package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/latentforge/comfyagent/unifiedllm"
)

const summarySystemPrompt = `You summarize a conversation between an operator and an agent that builds and runs image-generation workflows. Produce a compact summary that preserves:
- what the operator asked for, including later corrections
- workflows that were built or executed, with their key node choices and parameters
- errors encountered and how they were resolved
- any decisions or preferences the operator stated
Write plain prose. Do not invent details.`

// summaryPrefix marks checkpoint messages so they are recognizable in the
// history and in exports.
const summaryPrefix = "Previous conversation summary:\n"

// Summarizer replaces old history with a model-written summary once a
// session grows past a token threshold. The summary is persisted as a
// checkpoint message; everything before it stays on disk but leaves the
// live context.
type Summarizer struct {
	client    ModelClient
	store     Store
	model     string
	threshold int
	keep      int
	logger    *slog.Logger
}

// NewSummarizer creates a Summarizer with default threshold and retention.
func NewSummarizer(client ModelClient, store Store, model string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		client:    client,
		store:     store,
		model:     model,
		threshold: DefaultSummarizeTokens,
		keep:      10,
		logger:    logger,
	}
}

// SetThreshold overrides the trigger threshold (in estimated tokens).
func (s *Summarizer) SetThreshold(tokens int) {
	if tokens > 0 {
		s.threshold = tokens
	}
}

// MaybeSummarize checks the history against the threshold and, when
// exceeded, summarizes everything but the most recent messages. Failures
// are logged and leave the history unchanged; summarization is never
// allowed to fail a turn.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionID string, history []Message, emitter *Emitter) []Message {
	if EstimateTokens(history) < s.threshold {
		return history
	}
	if len(history) <= s.keep {
		return history
	}

	older := history[:len(history)-s.keep]
	recent := history[len(history)-s.keep:]

	summary, err := s.summarize(ctx, older)
	if err != nil {
		s.logger.Warn("summarization failed, keeping full history",
			"session_id", sessionID, "error", err)
		return history
	}

	checkpoint := NewUserMessage(summaryPrefix + summary)
	id, err := s.store.AppendMessage(ctx, sessionID, checkpoint)
	if err != nil {
		s.logger.Warn("failed to persist summary checkpoint",
			"session_id", sessionID, "error", err)
		return history
	}
	checkpoint.ID = id
	if err := s.store.SetSummaryCheckpoint(ctx, sessionID, id); err != nil {
		s.logger.Warn("failed to set summary checkpoint",
			"session_id", sessionID, "error", err)
		return history
	}

	emitter.Emit(EventContextSummarized, map[string]interface{}{
		"messages_summarized": len(older),
		"summary_length":      len(summary),
	})
	s.logger.Info("context summarized",
		"session_id", sessionID, "messages_summarized", len(older), "kept", len(recent))

	out := make([]Message, 0, len(recent)+1)
	out = append(out, checkpoint)
	out = append(out, recent...)
	return out
}

func (s *Summarizer) summarize(ctx context.Context, older []Message) (string, error) {
	var b strings.Builder
	for _, msg := range older {
		switch msg.Role {
		case RoleUser:
			fmt.Fprintf(&b, "Operator: %s\n", msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				fmt.Fprintf(&b, "Agent: %s\n", text)
			}
			for _, tc := range msg.ToolCalls() {
				fmt.Fprintf(&b, "Agent called %s(%s)\n", tc.Name, string(tc.Arguments))
			}
		case RoleToolResult:
			for _, block := range msg.Blocks {
				if block.Kind == BlockToolResult && block.ToolResult != nil {
					content := block.ToolResult.Content
					if len(content) > 400 {
						content = content[:400] + "..."
					}
					fmt.Fprintf(&b, "Result of %s: %s\n", block.ToolResult.ToolName, content)
				}
			}
		}
	}

	resp, err := s.client.Complete(ctx, unifiedllm.Request{
		Model: s.model,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(summarySystemPrompt),
			unifiedllm.UserMessage(b.String()),
		},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}
