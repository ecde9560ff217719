package agentloop

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/latentforge/comfyagent/unifiedllm"
)

// ErrTurnInProgress is returned when a turn is started on a session that
// already has one running. Sessions process one turn at a time.
var ErrTurnInProgress = errors.New("a turn is already in progress for this session")

// Fixed terminal texts.
const (
	budgetExhaustedText = "I've reached the maximum number of steps. Here's what I've done so far."
	cancelledText       = "Request cancelled."
	skippedToolText     = "Cancelled before execution."
)

const loopNudgeText = "You appear to be repeating the same tool calls without making progress. " +
	"Step back, reconsider your approach, and either try a different tool or " +
	"explain to the operator what is blocking you."

// ModelClient is the model access the loop needs. *unifiedllm.Client
// satisfies it.
type ModelClient interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// PromptSource produces the system prompt for a model call.
type PromptSource interface {
	SystemPrompt(ctx context.Context, userInput string) string
}

// Config holds the tunable parameters of a session loop.
type Config struct {
	Model              string
	MaxIterations      int
	MaxTokens          int
	Temperature        *float64
	Streaming          bool
	ContextWindow      int
	SummarizeThreshold int
	ToolTimeout        time.Duration
	Retry              unifiedllm.RetryPolicy
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		Model:              "claude-sonnet-4-5-20250929",
		MaxIterations:      20,
		MaxTokens:          8192,
		Streaming:          true,
		ContextWindow:      DefaultContextWindow,
		SummarizeThreshold: DefaultSummarizeTokens,
		ToolTimeout:        DefaultToolTimeout,
		Retry:              unifiedllm.DefaultRetryPolicy(),
	}
}

// Runner drives the agent loop for one session: model calls, sequential
// tool execution, persistence, and event emission. A Runner handles one
// turn at a time.
type Runner struct {
	sessionID  string
	client     ModelClient
	store      Store
	registry   *ToolRegistry
	executor   *Executor
	emitter    *Emitter
	machine    *Machine
	prompts    PromptSource
	summarizer *Summarizer
	compressor CompressionPolicy
	cfg        Config
	logger     *slog.Logger

	running   atomic.Bool
	cancelled atomic.Bool
	userInput string
	nudge     string
}

// NewRunner creates a Runner for a session. The registry is used as-is;
// callers that need per-session tools (like delegate_task) should pass a
// clone.
func NewRunner(sessionID string, client ModelClient, store Store, registry *ToolRegistry, emitter *Emitter, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	executor := NewExecutor(registry, logger)
	if cfg.ToolTimeout > 0 {
		executor.SetDefaultTimeout(cfg.ToolTimeout)
	}
	return &Runner{
		sessionID:  sessionID,
		client:     client,
		store:      store,
		registry:   registry,
		executor:   executor,
		emitter:    emitter,
		machine:    NewMachine(),
		compressor: DefaultCompression(cfg.ContextWindow),
		cfg:        cfg,
		logger:     logger.With("session_id", sessionID),
	}
}

// SetPromptSource installs a dynamic system prompt builder.
func (r *Runner) SetPromptSource(p PromptSource) { r.prompts = p }

// SetSummarizer installs a history summarizer.
func (r *Runner) SetSummarizer(s *Summarizer) { r.summarizer = s }

// SessionID returns the session this runner drives.
func (r *Runner) SessionID() string { return r.sessionID }

// Running reports whether a turn is in flight.
func (r *Runner) Running() bool { return r.running.Load() }

// State returns the loop's current state.
func (r *Runner) State() State { return r.machine.State() }

// Cancel requests cooperative cancellation of the in-flight turn. The
// current model call or tool finishes; the loop stops at the next check.
func (r *Runner) Cancel() {
	r.cancelled.Store(true)
}

// RunTurn processes one user input to completion and returns the final
// assistant text.
func (r *Runner) RunTurn(ctx context.Context, userInput string) (string, error) {
	if !r.running.CompareAndSwap(false, true) {
		return "", ErrTurnInProgress
	}
	defer r.running.Store(false)
	r.cancelled.Store(false)
	r.machine.Reset()
	r.userInput = userInput
	r.nudge = ""

	start := time.Now()
	r.emitter.Emit(EventStateConversationStart, nil)

	userMsg := NewUserMessage(userInput)
	if _, err := r.store.AppendMessage(ctx, r.sessionID, userMsg); err != nil {
		return "", r.fail(start, 0, unifiedllm.Usage{}, err)
	}
	r.emitter.Emit(EventMessageUser, map[string]interface{}{"content": userInput})
	r.emitter.Emit(EventTurnStart, nil)

	history, err := r.store.Messages(ctx, r.sessionID)
	if err != nil {
		return "", r.fail(start, 0, unifiedllm.Usage{}, err)
	}

	toolDefs := toolDefsFor(r.registry)
	var totalUsage unifiedllm.Usage
	iterations := 0

	for iterations < r.cfg.MaxIterations {
		if r.cancelled.Load() || ctx.Err() != nil {
			return r.finishCancelled(ctx, start, iterations, totalUsage)
		}

		iterations++
		r.transition(StateThinking)
		r.emitter.Emit(EventStateThinking, map[string]interface{}{"iteration": iterations})

		if r.summarizer != nil {
			history = r.summarizer.MaybeSummarize(ctx, r.sessionID, history, r.emitter)
		}
		reqHistory := history
		if r.compressor != nil {
			reqHistory = r.compressor.Compress(history)
		}

		resp, err := r.callModel(ctx, reqHistory, toolDefs)
		if err != nil {
			if r.cancelled.Load() {
				return r.finishCancelled(ctx, start, iterations, totalUsage)
			}
			return "", r.fail(start, iterations, totalUsage, err)
		}
		totalUsage = totalUsage.Add(resp.Usage)
		if err := r.store.AddUsage(ctx, r.sessionID, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
			r.logger.Warn("failed to record usage", "error", err)
		}

		toolCalls := resp.ToolCallsFromResponse()
		text := resp.Text()

		if len(toolCalls) == 0 {
			r.transition(StateResponding)
			return r.finishResponse(ctx, start, iterations, totalUsage, text)
		}

		r.transition(StatePlanningTool)
		assistantMsg := NewAssistantMessage(text, toolCalls)
		if _, err := r.store.AppendMessage(ctx, r.sessionID, assistantMsg); err != nil {
			return "", r.fail(start, iterations, totalUsage, err)
		}
		history = append(history, assistantMsg)
		r.emitter.Emit(EventMessageAssistant, map[string]interface{}{
			"content":    text,
			"tool_calls": toolCallSummaries(toolCalls),
		})

		for i, call := range toolCalls {
			if r.cancelled.Load() || ctx.Err() != nil {
				r.resolvePendingCalls(ctx, toolCalls[i:])
				return r.finishCancelled(ctx, start, iterations, totalUsage)
			}

			r.transition(StateToolExecuting)
			r.emitter.Emit(EventStateToolExecuting, map[string]interface{}{
				"tool_name": call.Name,
				"tool_id":   call.ID,
			})

			result := r.executor.Execute(ctx, call)
			r.transition(StateAwaitingToolResult)
			if result.IsError {
				r.emitter.Emit(EventStateToolFailed, map[string]interface{}{
					"tool_name": result.ToolName,
					"error":     result.Content,
				})
			} else {
				r.emitter.Emit(EventStateToolCompleted, map[string]interface{}{
					"tool_name": result.ToolName,
				})
			}
			for _, side := range result.Events {
				r.emitter.Emit(side.Type, side.Data)
			}

			resultMsg := NewToolResultMessage(result.ToolCallID, result.ToolName, result.Content, result.IsError)
			if _, err := r.store.AppendMessage(ctx, r.sessionID, resultMsg); err != nil {
				return "", r.fail(start, iterations, totalUsage, err)
			}
			history = append(history, resultMsg)
			r.emitter.Emit(EventMessageToolResult, map[string]interface{}{
				"tool_name": result.ToolName,
				"result":    result.Content,
			})
		}

		if DetectLoop(history, DefaultLoopWindow) {
			r.logger.Warn("tool call loop detected, injecting nudge")
			r.nudge = loopNudgeText
		}
	}

	r.transition(StateResponding)
	return r.finishResponse(ctx, start, iterations, totalUsage, budgetExhaustedText)
}

// callModel performs one model call with retry, streaming text deltas when
// streaming is enabled.
func (r *Runner) callModel(ctx context.Context, history []Message, toolDefs []unifiedllm.ToolDefinition) (*unifiedllm.Response, error) {
	var messages []unifiedllm.Message
	if r.prompts != nil {
		if system := r.prompts.SystemPrompt(ctx, r.userInput); system != "" {
			messages = append(messages, unifiedllm.SystemMessage(system))
		}
	}
	messages = append(messages, ToModelMessages(history)...)
	if r.nudge != "" {
		messages = append(messages, unifiedllm.UserMessage(r.nudge))
		r.nudge = ""
	}

	maxTokens := r.cfg.MaxTokens
	req := unifiedllm.Request{
		Model:       r.cfg.Model,
		Messages:    messages,
		ToolDefs:    toolDefs,
		Temperature: r.cfg.Temperature,
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	policy := r.cfg.Retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		r.emitter.Emit(EventLLMRetry, map[string]interface{}{
			"attempt":     attempt,
			"max_retries": policy.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       err.Error(),
		})
		r.logger.Warn("model call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
	}

	return unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
		if r.cfg.Streaming {
			return r.streamOnce(ctx, req)
		}
		return r.client.Complete(ctx, req)
	})
}

// streamOnce consumes one streaming model call, forwarding text deltas to
// subscribers and accumulating the full response.
func (r *Runner) streamOnce(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	events, err := r.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	acc := unifiedllm.NewStreamAccumulator()
	var streamErr error
	for event := range events {
		acc.Process(event)
		switch event.Type {
		case unifiedllm.TextDelta:
			r.emitter.Emit(EventStreamTextDelta, map[string]interface{}{"text": event.Delta})
		case unifiedllm.StreamError:
			if event.Error != nil {
				streamErr = event.Error
			}
		}
	}
	if streamErr != nil {
		return nil, streamErr
	}
	return acc.Response(), nil
}

// finishResponse persists and announces the final assistant text, then
// emits the terminal events.
func (r *Runner) finishResponse(ctx context.Context, start time.Time, iterations int, usage unifiedllm.Usage, text string) (string, error) {
	finalMsg := NewAssistantMessage(text, nil)
	if _, err := r.store.AppendMessage(ctx, r.sessionID, finalMsg); err != nil {
		return "", r.fail(start, iterations, usage, err)
	}
	r.emitter.Emit(EventStateResponding, nil)
	r.emitter.Emit(EventMessageAssistant, map[string]interface{}{"content": text})

	r.transition(StateDone)
	r.emitTerminal(start, iterations, usage)
	return text, nil
}

// resolvePendingCalls persists an error result for every tool call the turn
// never executed, so each persisted tool_call keeps a matching tool_result
// and the history replays cleanly on the next turn.
func (r *Runner) resolvePendingCalls(ctx context.Context, calls []unifiedllm.ToolCall) {
	persistCtx := context.WithoutCancel(ctx)
	for _, call := range calls {
		msg := NewToolResultMessage(call.ID, call.Name, skippedToolText, true)
		if _, err := r.store.AppendMessage(persistCtx, r.sessionID, msg); err != nil {
			r.logger.Warn("failed to persist skipped tool result", "tool", call.Name, "error", err)
		}
		r.emitter.Emit(EventMessageToolResult, map[string]interface{}{
			"tool_name": call.Name,
			"result":    skippedToolText,
		})
	}
}

// finishCancelled ends a cancelled turn with the fixed acknowledgement.
func (r *Runner) finishCancelled(ctx context.Context, start time.Time, iterations int, usage unifiedllm.Usage) (string, error) {
	// Persist with a background-derived context; the turn context may
	// already be done.
	persistCtx := context.WithoutCancel(ctx)
	finalMsg := NewAssistantMessage(cancelledText, nil)
	if _, err := r.store.AppendMessage(persistCtx, r.sessionID, finalMsg); err != nil {
		r.logger.Warn("failed to persist cancellation message", "error", err)
	}
	if err := r.store.UpdateSessionStatus(persistCtx, r.sessionID, SessionCancelled); err != nil {
		r.logger.Warn("failed to update session status", "error", err)
	}
	r.emitter.Emit(EventMessageAssistant, map[string]interface{}{"content": cancelledText})

	r.transition(StateCancelled)
	r.emitTerminal(start, iterations, usage)
	return cancelledText, nil
}

// fail ends a turn on an unrecoverable error. Subscribers see the error on
// the stream before the terminal pair.
func (r *Runner) fail(start time.Time, iterations int, usage unifiedllm.Usage, err error) error {
	r.logger.Error("turn failed", "iterations", iterations, "error", err)
	r.transition(StateError)
	r.emitter.Emit(EventStateError, map[string]interface{}{"error": err.Error()})
	r.emitTerminal(start, iterations, usage)
	return err
}

// emitTerminal emits the single terminal pair for a turn.
func (r *Runner) emitTerminal(start time.Time, iterations int, usage unifiedllm.Usage) {
	r.emitter.Emit(EventStateConversationEnd, nil)
	r.emitter.Emit(EventTurnEnd, map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
		"iterations":  iterations,
		"usage": map[string]interface{}{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
}

// transition moves the state machine, logging table violations instead of
// failing the turn.
func (r *Runner) transition(next State) {
	if err := r.machine.Transition(next); err != nil {
		r.logger.Debug("state transition rejected", "error", err)
	}
}

func toolDefsFor(registry *ToolRegistry) []unifiedllm.ToolDefinition {
	defs := registry.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

func toolCallSummaries(calls []unifiedllm.ToolCall) []map[string]interface{} {
	out := make([]map[string]interface{}, len(calls))
	for i, c := range calls {
		out[i] = map[string]interface{}{
			"id":        c.ID,
			"name":      c.Name,
			"arguments": string(c.Arguments),
		}
	}
	return out
}
