package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// SubagentMaxIterations caps a delegated child loop.
	SubagentMaxIterations = 10

	// subagentPreviewChars bounds the result preview on subagent.end.
	subagentPreviewChars = 200
)

const subagentSystemPrompt = `You are a research sub-agent. Complete the single task you were given and report your findings as plain text. You have read-only access: you can inspect the workflow backend and search the web, but you cannot build or execute workflows. Be thorough but concise. End with a clear answer to the task.`

// Delegator spawns one-shot child sessions for research tasks. The child
// gets only read-only tools, its own persisted session linked by
// parent_session_id, and a reduced iteration budget. The parent receives
// the child's final text as an ordinary tool result.
type Delegator struct {
	client ModelClient
	store  Store
	bus    *Bus
	cfg    Config
	logger *slog.Logger
}

// NewDelegator creates a Delegator sharing the parent's model client,
// store, and event bus.
func NewDelegator(client ModelClient, store Store, bus *Bus, cfg Config, logger *slog.Logger) *Delegator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.MaxIterations = SubagentMaxIterations
	cfg.Streaming = false
	return &Delegator{
		client: client,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Delegate runs a task in a child session and returns the child's final
// text. Failures are folded into the returned text with an "Error: "
// prefix so the parent turn continues.
func (d *Delegator) Delegate(ctx context.Context, parentSessionID string, registry *ToolRegistry, parentEmitter *Emitter, task string) string {
	childID := uuid.NewString()
	now := time.Now()
	meta := SessionMeta{
		ID:              childID,
		Title:           "Sub-task: " + firstChars(task, 80),
		Status:          SessionActive,
		ParentSessionID: parentSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.store.CreateSession(ctx, meta); err != nil {
		result := "Error: failed to create sub-agent session: " + err.Error()
		parentEmitter.Emit(EventSubagentEnd, map[string]interface{}{
			"result_preview": firstChars(result, subagentPreviewChars),
		})
		return result
	}

	parentEmitter.Emit(EventSubagentStart, map[string]interface{}{
		"child_session_id": childID,
		"task":             task,
	})
	d.logger.Info("subagent started", "parent_session_id", parentSessionID, "child_session_id", childID)

	childEmitter := NewEmitter(d.bus, childID)
	runner := NewRunner(childID, d.client, d.store, registry.ReadOnlyView(), childEmitter, d.cfg, d.logger)
	runner.SetPromptSource(staticPrompt(subagentSystemPrompt))

	result, err := runner.RunTurn(ctx, task)
	if err != nil {
		result = "Error: " + err.Error()
	}
	if err := d.store.UpdateSessionStatus(context.WithoutCancel(ctx), childID, SessionCompleted); err != nil {
		d.logger.Warn("failed to close sub-agent session", "child_session_id", childID, "error", err)
	}

	parentEmitter.Emit(EventSubagentEnd, map[string]interface{}{
		"result_preview": firstChars(result, subagentPreviewChars),
	})
	d.logger.Info("subagent finished", "child_session_id", childID, "result_chars", len(result))
	return result
}

// RegisterDelegateTool adds the delegate_task tool bound to one parent
// session. The registry passed here is also the source of the child's
// read-only tool set.
func RegisterDelegateTool(registry *ToolRegistry, d *Delegator, parentSessionID string, parentEmitter *Emitter) {
	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: "delegate_task",
			Description: "Delegate a self-contained research task to a sub-agent. " +
				"The sub-agent can inspect the workflow backend and search the web, " +
				"but cannot build or execute workflows. Use this for open-ended " +
				"research that would otherwise consume many of your own steps.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "The task for the sub-agent, phrased as a complete standalone request.",
					},
				},
				"required": []interface{}{"task"},
			},
		},
		Timeout: 10 * time.Minute,
		Executor: func(ctx context.Context, arguments json.RawMessage) (*ToolOutput, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return nil, err
			}
			task, ok := GetStringArg(args, "task")
			if !ok || task == "" {
				return nil, fmt.Errorf("task is required")
			}
			result := d.Delegate(ctx, parentSessionID, registry, parentEmitter, task)
			return &ToolOutput{Text: result}, nil
		},
	})
}

// staticPrompt adapts a constant string to the PromptSource interface.
type staticPrompt string

func (p staticPrompt) SystemPrompt(context.Context, string) string { return string(p) }

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
