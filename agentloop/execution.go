package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/latentforge/comfyagent/unifiedllm"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 60 * time.Second

// ToolExecutionResult is the outcome of executing one tool call.
// Failures are folded into Content with IsError set so the loop can feed
// them back to the model instead of aborting the turn.
type ToolExecutionResult struct {
	ToolCallID string
	ToolName   string
	Content    string
	IsError    bool
	Events     []SideEvent
	Duration   time.Duration
}

// Executor runs tool calls against a registry with validation, timeouts,
// and output truncation.
type Executor struct {
	registry       *ToolRegistry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *ToolRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:       registry,
		defaultTimeout: DefaultToolTimeout,
		logger:         logger,
	}
}

// SetDefaultTimeout overrides the per-call timeout for tools that do not
// declare their own.
func (e *Executor) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		e.defaultTimeout = d
	}
}

// Execute runs one tool call to completion. The error conditions a model
// can recover from (unknown tool, invalid arguments, execution failure,
// timeout) are returned as error results, never as Go errors.
func (e *Executor) Execute(ctx context.Context, call unifiedllm.ToolCall) ToolExecutionResult {
	start := time.Now()
	result := ToolExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	tool := e.registry.Get(call.Name)
	if tool == nil {
		result.Content = fmt.Sprintf("Unknown tool: %s", call.Name)
		result.IsError = true
		result.Duration = time.Since(start)
		return result
	}

	if err := tool.ValidateArguments(call.Arguments); err != nil {
		result.Content = fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)
		result.IsError = true
		result.Duration = time.Since(start)
		return result
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.run(execCtx, tool, call)
	result.Duration = time.Since(start)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Content = fmt.Sprintf("Tool %s timed out after %s", call.Name, timeout)
		result.IsError = true
	case err != nil:
		result.Content = fmt.Sprintf("Tool execution error: %v", err)
		result.IsError = true
	default:
		result.Content = TruncateToolOutput(output.Text, call.Name, tool.MaxOutputChars)
		result.Events = output.Events
	}

	if result.IsError {
		e.logger.Warn("tool execution failed",
			"tool", call.Name, "duration", result.Duration, "error", result.Content)
	} else {
		e.logger.Debug("tool executed",
			"tool", call.Name, "duration", result.Duration, "output_chars", len(result.Content))
	}
	return result
}

// run invokes the executor in a goroutine so a stuck tool cannot wedge the
// loop past its deadline.
func (e *Executor) run(ctx context.Context, tool *RegisteredTool, call unifiedllm.ToolCall) (*ToolOutput, error) {
	type outcome struct {
		output *ToolOutput
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Executor(ctx, call.Arguments)
		done <- outcome{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.output == nil {
			o.output = &ToolOutput{}
		}
		return o.output, nil
	}
}
